package domain

import "errors"

// Kind groups failures by what the caller can do about them.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthorization: the caller is not allowed (not owner, not seller).
	KindAuthorization
	// KindState: wrong lifecycle phase; may succeed later.
	KindState
	// KindApproval: a collaborator has not authorized this component.
	KindApproval
	// KindEconomic: allowance, balance, bid floor or empty refund.
	KindEconomic
	// KindInput: malformed request.
	KindInput
	// KindCollaborator: the ledger or asset registry refused a transfer.
	KindCollaborator
)

func (k Kind) String() string {
	switch k {
	case KindAuthorization:
		return "authorization"
	case KindState:
		return "state"
	case KindApproval:
		return "approval"
	case KindEconomic:
		return "economic"
	case KindInput:
		return "input"
	case KindCollaborator:
		return "collaborator"
	default:
		return "unknown"
	}
}

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// Error is a named failure reason. Values are compared by identity with errors.Is.
type Error struct {
	Kind Kind
	Code string
}

func (e *Error) Error() string { return e.Code }

// IsRetriable is true for lifecycle errors: re-submitting later may succeed.
func (e *Error) IsRetriable() bool { return e.Kind == KindState }

func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

// KindOf classifies err. Errors outside the vocabulary are KindUnknown.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// CodeOf returns the machine-readable reason of err, or "internal".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return "internal"
}

// OpError attaches the failing operation to an error.
type OpError struct {
	Op  string // Operation that failed (e.g., "bid", "buy_item")
	Err error  // Underlying error
}

func (e *OpError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Wrap returns nil for a nil err, otherwise an *OpError.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Err: err}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Authorization errors.
var (
	ErrNotOwner  = newError(KindAuthorization, "not_owner")
	ErrNotSeller = newError(KindAuthorization, "not_seller")
	// ErrActorMismatch: the command names an actor other than the authenticated caller.
	ErrActorMismatch = newError(KindAuthorization, "actor_mismatch")
)

// Lifecycle errors.
var (
	ErrAlreadyListed  = newError(KindState, "already_listed")
	ErrNotListed      = newError(KindState, "not_listed")
	ErrAlreadyStarted = newError(KindState, "already_started")
	ErrNotStarted     = newError(KindState, "not_started")
	ErrAlreadyClosed  = newError(KindState, "already_closed")
	ErrNotYetExpired  = newError(KindState, "not_yet_expired")
	ErrAuctionExpired = newError(KindState, "auction_expired")
	ErrAuctionExists  = newError(KindState, "auction_exists")
	ErrNoAuction      = newError(KindState, "no_auction")
)

// Errors about approvals granted to this component.
var (
	ErrAssetNotApproved = newError(KindApproval, "asset_not_approved")
	ErrTokenNotApproved = newError(KindApproval, "token_not_approved")
)

// Economic errors.
var (
	ErrZeroPrice             = newError(KindEconomic, "zero_price")
	ErrInsufficientAllowance = newError(KindEconomic, "insufficient_allowance")
	ErrInsufficientBalance   = newError(KindEconomic, "insufficient_balance")
	ErrInsufficientFunds     = newError(KindEconomic, "insufficient_funds")
	ErrBidTooLow             = newError(KindEconomic, "bid_too_low")
	ErrNothingToWithdraw     = newError(KindEconomic, "nothing_to_withdraw")
)

// Input errors.
var (
	ErrInvalidInput      = newError(KindInput, "invalid_input")
	ErrInvalidDuration   = newError(KindInput, "invalid_duration")
	ErrUnknownCollection = newError(KindInput, "unknown_collection")
	ErrUnknownOp         = newError(KindInput, "unknown_op")
)

// ErrTransferFailed wraps a refusal from the token ledger or the asset registry.
var ErrTransferFailed = newError(KindCollaborator, "transfer_failed")
