package server

import (
	"log/slog"
	"sync"

	"nft_market/internal/event"
	"nft_market/internal/infra"
)

// Hub fans applied events out to feed subscribers. A subscriber whose buffer is
// full misses events rather than stalling the sequencer.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan event.Envelope
	nextID  uint64
	buffer  int
	metrics *infra.Metrics
}

// NewHub creates a hub with per-subscriber buffers of the given size.
func NewHub(buffer int, metrics *infra.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Hub{
		subs:    make(map[uint64]chan event.Envelope),
		buffer:  buffer,
		metrics: metrics,
	}
}

// Publish implements engine.Publisher.
func (h *Hub) Publish(evs []event.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		for _, ev := range evs {
			select {
			case ch <- event.Wrap(ev):
			default:
				slog.Warn("Feed subscriber lagging, event dropped",
					slog.Uint64("subscriber", id),
					slog.Uint64("seq", ev.GetSeq()))
			}
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func closes the channel.
func (h *Hub) Subscribe() (uint64, <-chan event.Envelope, func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	ch := make(chan event.Envelope, h.buffer)
	h.subs[id] = ch
	h.mu.Unlock()
	h.metrics.IncrementConnections()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
			h.metrics.DecrementConnections()
		})
	}
	return id, ch, cancel
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
