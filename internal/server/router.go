package server

import (
	"context"
	"net/http"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/infra"

	"github.com/go-chi/chi/v5"
)

// Market is the sequencer surface the API needs.
type Market interface {
	Submit(ctx context.Context, cmd engine.Command) (engine.Receipt, error)
	Listing(collection domain.Address, id domain.AssetID) (domain.Listing, bool)
	Listings() []domain.Listing
	Auction() (engine.AuctionView, bool)
	RefundBalance(addr domain.Address) (int64, bool)
}

// EventSource reads the persisted event log.
type EventSource interface {
	LoadEvents(ctx context.Context, afterSeq uint64, limit int) ([]domain.EventRecord, error)
}

type Handler struct {
	market  Market
	hub     *Hub
	events  EventSource
	metrics *infra.Metrics
}

// NewHandler wires the API. events may be nil when storage is disabled.
func NewHandler(market Market, hub *Hub, events EventSource, metrics *infra.Metrics) *Handler {
	if metrics == nil {
		metrics = infra.GlobalMetrics
	}
	return &Handler{market: market, hub: hub, events: events, metrics: metrics}
}

func NewRouter(handler *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Get("/", handler.listListings)
			r.Get("/{collection}/{id}", handler.getListing)
		})
		r.Route("/auction", func(r chi.Router) {
			r.Get("/", handler.getAuction)
			r.Get("/refunds/{address}", handler.getRefund)
		})
		r.Post("/commands", handler.submitCommand)
		r.Get("/events", handler.listEvents)
		r.Get("/metrics", handler.getMetrics)
		r.Get("/feed", handler.feed)
	})
	return r
}
