package domain

import "time"

// AuctionPhase is the lifecycle position of an auction.
type AuctionPhase int

const (
	PhaseCreated AuctionPhase = iota + 1
	PhaseStarted
	PhaseClosed
)

// String returns the string representation of AuctionPhase
func (p AuctionPhase) String() string {
	switch p {
	case PhaseCreated:
		return "CREATED"
	case PhaseStarted:
		return "STARTED"
	case PhaseClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// AuctionSnapshot is a point-in-time copy of an auction's state.
type AuctionSnapshot struct {
	Engine          Address       `json:"engine"`
	Asset           AssetKey      `json:"asset"`
	SettlementToken Address       `json:"settlement_token"`
	Seller          Address       `json:"seller"`
	Duration        time.Duration `json:"duration"`

	Started       bool       `json:"started"`
	Closed        bool       `json:"closed"`
	EndsAt        time.Time  `json:"ends_at"`
	HighestBidder OptAddress `json:"highest_bidder"`
	HighestBid    int64      `json:"highest_bid"`
}

// Phase derives the lifecycle phase from the started/closed flags.
func (s AuctionSnapshot) Phase() AuctionPhase {
	switch {
	case s.Closed:
		return PhaseClosed
	case s.Started:
		return PhaseStarted
	default:
		return PhaseCreated
	}
}
