package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"nft_market/internal/domain"
	"nft_market/internal/engine"
)

type apiError struct {
	Status    string `json:"status"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiError{Status: "error", Code: code, Message: message})
}

// mapDomainError maps a failure to an HTTP status by its kind.
func mapDomainError(err error) (int, string) {
	switch domain.KindOf(err) {
	case domain.KindAuthorization:
		return http.StatusForbidden, domain.CodeOf(err)
	case domain.KindState:
		return http.StatusConflict, domain.CodeOf(err)
	case domain.KindApproval, domain.KindEconomic:
		return http.StatusUnprocessableEntity, domain.CodeOf(err)
	case domain.KindInput:
		return http.StatusBadRequest, domain.CodeOf(err)
	case domain.KindCollaborator:
		return http.StatusBadGateway, domain.CodeOf(err)
	}
	switch {
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout"
	default:
		return http.StatusInternalServerError, "internal"
	}
}
