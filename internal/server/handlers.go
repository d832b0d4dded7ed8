package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
	"nft_market/internal/event"

	"github.com/go-chi/chi/v5"
)

const maxEventPage = 500

// ActorHeader carries the caller address verified by an authenticating gateway.
const ActorHeader = "X-Actor"

type receiptResponse struct {
	Status    string           `json:"status"`
	RequestID string           `json:"request_id"`
	Seq       uint64           `json:"seq"`
	Events    []event.Envelope `json:"events"`
}

type refundResponse struct {
	Address domain.Address `json:"address"`
	Balance int64          `json:"balance"`
}

// submitCommand applies one command on behalf of its actor. The API does not
// authenticate: a deployment puts it behind a gateway that verifies the caller
// and sets ActorHeader. When the header is present it is the actor, and a body
// naming someone else is refused with actor_mismatch. Without it the body actor
// is trusted as sent.
func (h *Handler) submitCommand(w http.ResponseWriter, r *http.Request) {
	var cmd engine.Command
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "invalid json body")
		return
	}
	// Sequencing fields are never accepted from clients.
	cmd.Seq, cmd.Ts = 0, 0
	if hdr := r.Header.Get(ActorHeader); hdr != "" {
		caller, err := domain.ParseAddress(hdr)
		if err != nil {
			writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "invalid "+ActorHeader+" header")
			return
		}
		if cmd.Actor != "" && !strings.EqualFold(strings.TrimSpace(string(cmd.Actor)), string(caller)) {
			status, code := mapDomainError(domain.ErrActorMismatch)
			writeError(w, status, code, "actor "+string(cmd.Actor)+" is not the authenticated caller "+string(caller))
			return
		}
		cmd.Actor = caller
	}
	if cmd.RequestID == "" {
		cmd.RequestID = requestIDFromContext(r.Context())
	}

	receipt, err := h.market.Submit(r.Context(), cmd)
	if err != nil {
		status, code := mapDomainError(err)
		writeJSON(w, status, apiError{
			Status:    "error",
			Code:      code,
			Message:   err.Error(),
			RequestID: cmd.RequestID,
			Seq:       receipt.Seq,
		})
		return
	}

	resp := receiptResponse{
		Status:    "ok",
		RequestID: receipt.RequestID,
		Seq:       receipt.Seq,
		Events:    make([]event.Envelope, 0, len(receipt.Events)),
	}
	for _, ev := range receipt.Events {
		resp.Events = append(resp.Events, event.Wrap(ev))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Listings())
}

func (h *Handler) getListing(w http.ResponseWriter, r *http.Request) {
	collection, err := domain.ParseAddress(chi.URLParam(r, "collection"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, err.Error())
		return
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, "asset id must be an unsigned integer")
		return
	}
	l, ok := h.market.Listing(collection, domain.AssetID(id))
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNotListed.Code, "asset is not listed")
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *Handler) getAuction(w http.ResponseWriter, r *http.Request) {
	view, ok := h.market.Auction()
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNoAuction.Code, "no auction has been created")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) getRefund(w http.ResponseWriter, r *http.Request) {
	addr, err := domain.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, err.Error())
		return
	}
	bal, ok := h.market.RefundBalance(addr)
	if !ok {
		writeError(w, http.StatusNotFound, domain.ErrNoAuction.Code, "no auction has been created")
		return
	}
	writeJSON(w, http.StatusOK, refundResponse{Address: addr, Balance: bal})
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusNotFound, "no_event_log", "event log is not persisted")
		return
	}
	after, limit, err := pageParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.ErrInvalidInput.Code, err.Error())
		return
	}

	recs, err := h.events.LoadEvents(r.Context(), after, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to load events")
		return
	}
	out := make([]event.Envelope, 0, len(recs))
	for _, rec := range recs {
		t, err := event.ParseType(rec.Type)
		if err != nil {
			continue
		}
		ev, err := event.Decode(t, rec.Payload)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "corrupt event record")
			return
		}
		out = append(out, event.Wrap(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func pageParams(r *http.Request) (uint64, int, error) {
	var after uint64
	limit := 100
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, 0, err
		}
		after = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, err
		}
		limit = n
	}
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	return after, limit, nil
}

func (h *Handler) getMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.metrics.Snapshot())
}
