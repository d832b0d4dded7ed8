package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"nft_market/internal/domain"
	"nft_market/internal/event"
)

// Op names a command the sequencer can apply.
type Op string

const (
	OpListItem      Op = "list_item"
	OpBuyItem       Op = "buy_item"
	OpUpdateItem    Op = "update_item"
	OpCancelItem    Op = "cancel_item"
	OpCreateAuction Op = "create_auction"
	OpStartAuction  Op = "start_auction"
	OpPlaceBid      Op = "place_bid"
	OpCloseAuction  Op = "close_auction"
	OpWithdraw      Op = "withdraw"

	// Paper collaborator ops.
	OpApproveToken Op = "approve_token"
	OpApproveAsset Op = "approve_asset"
	OpApproveAll   Op = "approve_all"
)

// Command is one request to change marketplace state. Seq and Ts are assigned
// by the sequencer; Ts is the time every component observes while the command
// is applied.
type Command struct {
	RequestID string         `json:"request_id,omitempty"`
	Seq       uint64         `json:"seq,omitempty"`
	Ts        int64          `json:"ts,omitempty"` // Unix microseconds
	Op        Op             `json:"op"`
	Actor     domain.Address `json:"actor"`

	Collection  domain.Address `json:"collection,omitempty"`
	AssetID     domain.AssetID `json:"asset_id,omitempty"`
	Price       int64          `json:"price,omitempty"`  // listing price or auction starting price
	Amount      int64          `json:"amount,omitempty"` // bid or token allowance
	Spender     domain.Address `json:"spender,omitempty"`
	Approved    bool           `json:"approved,omitempty"`
	DurationSec int64          `json:"duration_sec,omitempty"`
}

// Duration is the auction duration carried by create_auction.
func (c Command) Duration() time.Duration {
	return time.Duration(c.DurationSec) * time.Second
}

// Asset is the asset key the command addresses.
func (c Command) Asset() domain.AssetKey {
	return domain.AssetKey{Collection: c.Collection, ID: c.AssetID}
}

// Normalize lower-cases addresses and checks that the fields op needs are
// present. Economic checks (zero price, bid floor) are left to the components.
func (c Command) Normalize() (Command, error) {
	var err error
	if c.Actor, err = domain.ParseAddress(string(c.Actor)); err != nil {
		return c, fmt.Errorf("actor: %w", err)
	}

	needCollection := false
	needSpender := false
	switch c.Op {
	case OpListItem, OpBuyItem, OpUpdateItem, OpCancelItem, OpCreateAuction:
		needCollection = true
	case OpStartAuction, OpPlaceBid, OpCloseAuction, OpWithdraw:
	case OpApproveToken:
		needSpender = true
	case OpApproveAsset:
		needCollection = true
		if c.Spender != "" {
			// empty spender clears the approval
			if c.Spender, err = domain.ParseAddress(string(c.Spender)); err != nil {
				return c, fmt.Errorf("spender: %w", err)
			}
		}
	case OpApproveAll:
		needCollection = true
		needSpender = true
	default:
		return c, fmt.Errorf("%w: %q", domain.ErrUnknownOp, c.Op)
	}

	if needCollection {
		if c.Collection, err = domain.ParseAddress(string(c.Collection)); err != nil {
			return c, fmt.Errorf("collection: %w", err)
		}
	}
	if needSpender {
		if c.Spender, err = domain.ParseAddress(string(c.Spender)); err != nil {
			return c, fmt.Errorf("spender: %w", err)
		}
	}
	if c.Amount < 0 || c.Price < 0 || c.DurationSec < 0 {
		return c, fmt.Errorf("%w: negative value", domain.ErrInvalidInput)
	}
	return c, nil
}

// Record encodes the command for the write-ahead log.
func (c Command) Record() (*domain.CommandRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command %d: %w", c.Seq, err)
	}
	return &domain.CommandRecord{
		Seq:       c.Seq,
		RequestID: c.RequestID,
		Op:        string(c.Op),
		Actor:     string(c.Actor),
		Ts:        c.Ts,
		Payload:   payload,
	}, nil
}

// DecodeCommand restores a command from its write-ahead log entry.
func DecodeCommand(rec domain.CommandRecord) (Command, error) {
	var c Command
	if err := json.Unmarshal(rec.Payload, &c); err != nil {
		return Command{}, fmt.Errorf("failed to unmarshal command %d: %w", rec.Seq, err)
	}
	c.Seq = rec.Seq
	c.Ts = rec.Ts
	return c, nil
}

// Receipt is the outcome of an applied command.
type Receipt struct {
	RequestID string        `json:"request_id"`
	Seq       uint64        `json:"seq"`
	Events    []event.Event `json:"events"`
}
