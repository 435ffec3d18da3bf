package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// resolveRequest is the POST /api/tokens body.
type resolveRequest struct {
	Token     string `json:"token"`
	Network   string `json:"network"`
	Timestamp string `json:"timestamp,omitempty"`
}

// resolveResponse wraps a resolved record.
type resolveResponse struct {
	Success bool                     `json:"success"`
	Data    *persistence.PriceRecord `json:"data,omitempty"`
}

// queuedResponse tells the caller the fill was deferred.
type queuedResponse struct {
	Success bool   `json:"success"`
	Queued  bool   `json:"queued"`
	Message string `json:"message"`
}

// ResolveToken handles POST /api/tokens: validate, resolve through the
// pipeline, reply 200 with a tagged record or 202 when the fill was queued.
func (h *Handlers) ResolveToken(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, err := domain.NormalizeToken(req.Token)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	network, err := domain.ParseNetwork(req.Network)
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ts, err := domain.ParseTimestamp(req.Timestamp, time.Now())
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resolution, err := h.resolver.Resolve(r.Context(), token, network, ts)
	if err != nil {
		var storeErr *persistence.StoreError
		if errors.As(err, &storeErr) {
			h.logger.Error().Err(err).Str("token", token).Msg("durable store unavailable")
			h.writeError(w, r, http.StatusInternalServerError, "price store unavailable")
			return
		}
		h.logger.Error().Err(err).Str("token", token).Msg("resolution failed")
		h.writeError(w, r, http.StatusInternalServerError, "failed to resolve price")
		return
	}

	if resolution.Queued {
		h.writeJSON(w, http.StatusAccepted, queuedResponse{
			Success: true,
			Queued:  true,
			Message: "price unavailable, queued for deferred fill",
		})
		return
	}
	h.writeJSON(w, http.StatusOK, resolveResponse{Success: true, Data: resolution.Record})
}
