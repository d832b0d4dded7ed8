package safe

import (
	"errors"
	"math"
)

// ErrOverflow is returned by the checked helpers when the result does not fit in int64.
var ErrOverflow = errors.New("int64 overflow")

// Add returns a+b or ErrOverflow.
func Add(a, b int64) (int64, error) {
	if (b > 0 && a > math.MaxInt64-b) || (b < 0 && a < math.MinInt64-b) {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// Sub returns a-b or ErrOverflow.
func Sub(a, b int64) (int64, error) {
	if (b > 0 && a < math.MinInt64+b) || (b < 0 && a > math.MaxInt64+b) {
		return 0, ErrOverflow
	}
	return a - b, nil
}

// MustAdd performs int64 addition and panics on overflow/underflow.
// Only for sums whose operands were already validated (e.g. invariant checks).
func MustAdd(a, b int64) int64 {
	v, err := Add(a, b)
	if err != nil {
		panic("CORE_SAFE_ADD_OVERFLOW")
	}
	return v
}

// MustSub performs int64 subtraction and panics on overflow/underflow.
func MustSub(a, b int64) int64 {
	v, err := Sub(a, b)
	if err != nil {
		panic("CORE_SAFE_SUB_OVERFLOW")
	}
	return v
}
