package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	commandsProcessed atomic.Uint64
	commandsRejected  atomic.Uint64
	bidsAccepted      atomic.Uint64
	salesSettled      atomic.Uint64
	withdrawals       atomic.Uint64
	eventsPublished   atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	feedConnections atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCommand records an applied command with its latency.
func (m *Metrics) RecordCommand(latencyNs int64) {
	m.commandsProcessed.Add(1)
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordRejected records a command the components refused.
func (m *Metrics) RecordRejected() {
	m.commandsRejected.Add(1)
}

// RecordBid records an accepted bid.
func (m *Metrics) RecordBid() {
	m.bidsAccepted.Add(1)
}

// RecordSale records a settled fixed-price sale or a closed auction with a winner.
func (m *Metrics) RecordSale() {
	m.salesSettled.Add(1)
}

// RecordWithdrawal records a refund payout.
func (m *Metrics) RecordWithdrawal() {
	m.withdrawals.Add(1)
}

// RecordPublished records n events handed to subscribers.
func (m *Metrics) RecordPublished(n int) {
	m.eventsPublished.Add(uint64(n))
}

// IncrementConnections increments active feed connections by 1.
func (m *Metrics) IncrementConnections() {
	m.feedConnections.Add(1)
}

// DecrementConnections decrements active feed connections by 1.
func (m *Metrics) DecrementConnections() {
	m.feedConnections.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	CommandsProcessed uint64    `json:"commands_processed"`
	CommandsRejected  uint64    `json:"commands_rejected"`
	BidsAccepted      uint64    `json:"bids_accepted"`
	SalesSettled      uint64    `json:"sales_settled"`
	Withdrawals       uint64    `json:"withdrawals"`
	EventsPublished   uint64    `json:"events_published"`
	AvgLatencyNs      int64     `json:"avg_latency_ns"`
	FeedConnections   int32     `json:"feed_connections"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		CommandsProcessed: m.commandsProcessed.Load(),
		CommandsRejected:  m.commandsRejected.Load(),
		BidsAccepted:      m.bidsAccepted.Load(),
		SalesSettled:      m.salesSettled.Load(),
		Withdrawals:       m.withdrawals.Load(),
		EventsPublished:   m.eventsPublished.Load(),
		AvgLatencyNs:      avgLatency,
		FeedConnections:   m.feedConnections.Load(),
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.commandsProcessed.Store(0)
	m.commandsRejected.Store(0)
	m.bidsAccepted.Store(0)
	m.salesSettled.Store(0)
	m.withdrawals.Store(0)
	m.eventsPublished.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedConnections.Store(0)
}
