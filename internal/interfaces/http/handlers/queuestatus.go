package handlers

import (
	"net/http"

	"github.com/tokendex/pricer/internal/queue"
)

// queueStatusResponse reports both queues' depth and throughput.
type queueStatusResponse struct {
	Success    bool            `json:"success"`
	PriceQueue queue.JobCounts `json:"priceQueue"`
	BatchQueue queue.JobCounts `json:"batchQueue"`
}

// QueueStatus handles GET /api/queue/status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	priceCounts, err := h.priceQueue.Counts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read price queue counts")
		h.writeError(w, r, http.StatusInternalServerError, "queue backend unavailable")
		return
	}
	batchCounts, err := h.batchQueue.Counts(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read batch queue counts")
		h.writeError(w, r, http.StatusInternalServerError, "queue backend unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, queueStatusResponse{
		Success:    true,
		PriceQueue: priceCounts,
		BatchQueue: batchCounts,
	})
}
