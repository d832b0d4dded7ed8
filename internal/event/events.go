package event

import (
	"encoding/json"
	"fmt"
	"time"

	"nft_market/internal/domain"
)

// Type defines the type of event.
type Type uint16

const (
	EvItemListed Type = iota + 1
	EvItemUpdated
	EvItemCanceled
	EvItemBought
	EvAuctionCreated
	EvAuctionStarted
	EvBidPlaced
	EvAuctionClosed
	EvWithdrawn
)

var typeNames = map[Type]string{
	EvItemListed:     "item_listed",
	EvItemUpdated:    "item_updated",
	EvItemCanceled:   "item_canceled",
	EvItemBought:     "item_bought",
	EvAuctionCreated: "auction_created",
	EvAuctionStarted: "auction_started",
	EvBidPlaced:      "bid_placed",
	EvAuctionClosed:  "auction_closed",
	EvWithdrawn:      "withdrawn",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown event type %q", s)
}

// Event is the interface for all notifications.
type Event interface {
	GetSeq() uint64
	GetTs() int64
	GetType() Type
	// Stamp assigns the global event sequence number.
	Stamp(seq uint64)
}

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	Seq uint64 `json:"seq"`
	Ts  int64  `json:"ts"` // Unix microseconds
}

// At builds a BaseEvent for time t. Seq is assigned later by the sequencer.
func At(t time.Time) BaseEvent { return BaseEvent{Ts: t.UnixMicro()} }

func (e BaseEvent) GetSeq() uint64    { return e.Seq }
func (e BaseEvent) GetTs() int64      { return e.Ts }
func (e *BaseEvent) Stamp(seq uint64) { e.Seq = seq }

// ItemListed: a listing was created.
type ItemListed struct {
	BaseEvent
	Seller domain.Address  `json:"seller"`
	Asset  domain.AssetKey `json:"asset"`
	Price  int64           `json:"price"`
}

func (e ItemListed) GetType() Type { return EvItemListed }

// ItemUpdated: a listing's price changed.
type ItemUpdated struct {
	BaseEvent
	Seller   domain.Address  `json:"seller"`
	Asset    domain.AssetKey `json:"asset"`
	OldPrice int64           `json:"old_price"`
	Price    int64           `json:"price"`
}

func (e ItemUpdated) GetType() Type { return EvItemUpdated }

// ItemCanceled: a listing was withdrawn by its seller.
type ItemCanceled struct {
	BaseEvent
	Seller domain.Address  `json:"seller"`
	Asset  domain.AssetKey `json:"asset"`
}

func (e ItemCanceled) GetType() Type { return EvItemCanceled }

// ItemBought: a listing was settled.
type ItemBought struct {
	BaseEvent
	Buyer  domain.Address  `json:"buyer"`
	Seller domain.Address  `json:"seller"`
	Asset  domain.AssetKey `json:"asset"`
	Price  int64           `json:"price"`
}

func (e ItemBought) GetType() Type { return EvItemBought }

// AuctionCreated: an auction was constructed.
type AuctionCreated struct {
	BaseEvent
	Engine        domain.Address  `json:"engine"`
	Seller        domain.Address  `json:"seller"`
	Asset         domain.AssetKey `json:"asset"`
	Token         domain.Address  `json:"token"`
	StartingPrice int64           `json:"starting_price"`
	Duration      time.Duration   `json:"duration"`
}

func (e AuctionCreated) GetType() Type { return EvAuctionCreated }

// AuctionStarted: the asset is escrowed and bidding is open.
type AuctionStarted struct {
	BaseEvent
	Engine domain.Address `json:"engine"`
	EndsAt time.Time      `json:"ends_at"`
}

func (e AuctionStarted) GetType() Type { return EvAuctionStarted }

// BidPlaced: a bid became the highest bid.
type BidPlaced struct {
	BaseEvent
	Engine   domain.Address    `json:"engine"`
	Bidder   domain.Address    `json:"bidder"`
	Amount   int64             `json:"amount"`
	Previous domain.OptAddress `json:"previous"` // displaced bidder, if any
}

func (e BidPlaced) GetType() Type { return EvBidPlaced }

// AuctionClosed: the auction settled. Winner is absent when nobody bid.
type AuctionClosed struct {
	BaseEvent
	Engine domain.Address    `json:"engine"`
	Winner domain.OptAddress `json:"winner"`
	Amount int64             `json:"amount"`
}

func (e AuctionClosed) GetType() Type { return EvAuctionClosed }

// Withdrawn: a displaced bidder pulled their refund.
type Withdrawn struct {
	BaseEvent
	Engine domain.Address `json:"engine"`
	Bidder domain.Address `json:"bidder"`
	Amount int64          `json:"amount"`
}

func (e Withdrawn) GetType() Type { return EvWithdrawn }

// New returns a zero event of type t, ready for json.Unmarshal.
func New(t Type) (Event, error) {
	switch t {
	case EvItemListed:
		return &ItemListed{}, nil
	case EvItemUpdated:
		return &ItemUpdated{}, nil
	case EvItemCanceled:
		return &ItemCanceled{}, nil
	case EvItemBought:
		return &ItemBought{}, nil
	case EvAuctionCreated:
		return &AuctionCreated{}, nil
	case EvAuctionStarted:
		return &AuctionStarted{}, nil
	case EvBidPlaced:
		return &BidPlaced{}, nil
	case EvAuctionClosed:
		return &AuctionClosed{}, nil
	case EvWithdrawn:
		return &Withdrawn{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", t)
	}
}

// Decode rebuilds an event from its stored type and JSON payload.
func Decode(t Type, payload []byte) (Event, error) {
	ev, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", t, err)
	}
	return ev, nil
}

// Envelope is the wire form used by the feed: type name plus payload.
type Envelope struct {
	Type string `json:"type"`
	Data Event  `json:"data"`
}

// Wrap builds the wire envelope for ev.
func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.GetType().String(), Data: ev}
}
