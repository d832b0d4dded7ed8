package domain

import (
	"fmt"
	"strings"
)

// Address identifies an account: a user, a contract-like component, a token or a collection.
type Address string

// ParseAddress normalizes an address. Empty input is rejected.
func ParseAddress(s string) (Address, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidInput)
	}
	return Address(s), nil
}

func (a Address) String() string { return string(a) }

// OptAddress is an address that may be absent.
// It is used for "no bidder yet" instead of overloading the empty address.
type OptAddress struct {
	Addr  Address `json:"addr,omitempty"`
	Valid bool    `json:"valid"`
}

// Some wraps a present address.
func Some(a Address) OptAddress { return OptAddress{Addr: a, Valid: true} }

// None is the absent address.
var None = OptAddress{}

// Is reports whether the optional holds exactly a.
func (o OptAddress) Is(a Address) bool { return o.Valid && o.Addr == a }

func (o OptAddress) String() string {
	if !o.Valid {
		return "<none>"
	}
	return string(o.Addr)
}

// AssetID is the token id of a unique asset inside its collection.
type AssetID uint64

// AssetKey identifies one unique asset across collections.
type AssetKey struct {
	Collection Address `json:"collection"`
	ID         AssetID `json:"id"`
}

func (k AssetKey) String() string {
	return fmt.Sprintf("%s/%d", k.Collection, k.ID)
}

// Less orders keys by collection then id.
func (k AssetKey) Less(o AssetKey) bool {
	if k.Collection != o.Collection {
		return k.Collection < o.Collection
	}
	return k.ID < o.ID
}
