package domain

import (
	"time"
)

// CommandRecord is one entry of the command write-ahead log.
type CommandRecord struct {
	Seq       uint64    `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	RequestID string    `gorm:"index" json:"request_id"`
	Op        string    `gorm:"index" json:"op"`
	Actor     string    `json:"actor"`
	Ts        int64     `json:"ts"`      // Unix microseconds the command was stamped with
	Payload   []byte    `json:"payload"` // JSON encoded command
	CreatedAt time.Time `json:"created_at"`
}

// EventRecord is one emitted notification (audit trail).
type EventRecord struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement:false" json:"seq"`
	CommandSeq uint64    `gorm:"index" json:"command_seq"`
	Type       string    `gorm:"index" json:"type"`
	Ts         int64     `json:"ts"`
	Payload    []byte    `json:"payload"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListingRecord is the persisted projection of an active listing.
type ListingRecord struct {
	Collection string    `gorm:"primaryKey" json:"collection"`
	AssetID    uint64    `gorm:"primaryKey;autoIncrement:false" json:"asset_id"`
	Seller     string    `gorm:"index" json:"seller"`
	Price      int64     `json:"price"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// AuctionRecord is the persisted projection of the auction instance.
type AuctionRecord struct {
	Engine        string    `gorm:"primaryKey" json:"engine"`
	Collection    string    `json:"collection"`
	AssetID       uint64    `json:"asset_id"`
	Token         string    `json:"token"`
	Seller        string    `json:"seller"`
	DurationSec   int64     `json:"duration_sec"`
	Started       bool      `json:"started"`
	Closed        bool      `json:"closed"`
	EndsAt        time.Time `json:"ends_at"`
	HighestBidder string    `json:"highest_bidder"`
	HasBidder     bool      `json:"has_bidder"`
	HighestBid    int64     `json:"highest_bid"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// RefundRecord is the persisted projection of one refund ledger entry.
type RefundRecord struct {
	Engine    string    `gorm:"primaryKey" json:"engine"`
	Bidder    string    `gorm:"primaryKey" json:"bidder"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppConfig represents operator configuration (Key-Value)
type AppConfig struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Batch is everything one applied command writes after its WAL entry: the
// emitted events and the projections they touched. It is committed atomically.
type Batch struct {
	CommandSeq     uint64
	Events         []EventRecord
	UpsertListings []ListingRecord
	RemoveListings []ListingRecord // only the key columns are used
	Auction        *AuctionRecord
	Refunds        []RefundRecord // full refund ledger of Auction.Engine
}
