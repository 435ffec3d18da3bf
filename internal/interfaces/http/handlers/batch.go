package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/queue"
)

// batchRequest is the POST /api/batch/historical body. Dates are RFC3339.
type batchRequest struct {
	Token     string `json:"token"`
	Network   string `json:"network"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

// batchResponse acknowledges a queued backfill.
type batchResponse struct {
	Success bool   `json:"success"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// BatchHistorical handles POST /api/batch/historical: validate the range,
// record the submission and enqueue one backfill job covering it.
func (h *Handlers) BatchHistorical(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
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
	now := time.Now()
	start, err := domain.ParseTimestamp(req.StartDate, now)
	if err != nil || start == nil {
		h.writeError(w, r, http.StatusBadRequest, "startDate must be RFC3339")
		return
	}
	end, err := domain.ParseTimestamp(req.EndDate, now)
	if err != nil || end == nil {
		h.writeError(w, r, http.StatusBadRequest, "endDate must be RFC3339")
		return
	}
	if start.After(*end) {
		h.writeError(w, r, http.StatusBadRequest, domain.ErrInvalidRange.Error())
		return
	}

	jobID := uuid.NewString()
	if h.repos != nil && h.repos.BatchJobs != nil {
		record := &persistence.BatchJobRecord{
			RequestID: jobID,
			Token:     token,
			Network:   network,
			StartDate: *start,
			EndDate:   *end,
			Status:    "queued",
		}
		if err := h.repos.BatchJobs.Create(r.Context(), record); err != nil {
			h.logger.Warn().Err(err).Str("request_id", jobID).Msg("failed to record batch submission")
		}
	}

	job := queue.BatchJob{
		Token:     token,
		Network:   network,
		StartDate: *start,
		EndDate:   *end,
		RequestID: jobID,
	}
	if _, err := h.batchQueue.Enqueue(r.Context(), job, queue.PriorityHistorical); err != nil {
		h.logger.Error().Err(err).Str("token", token).Msg("failed to enqueue batch job")
		h.writeError(w, r, http.StatusInternalServerError, "failed to enqueue batch job")
		return
	}

	h.writeJSON(w, http.StatusAccepted, batchResponse{
		Success: true,
		JobID:   jobID,
		Message: "historical backfill queued",
	})
}
