package handlers

import (
	"net/http"
	"time"
)

// healthResponse reports per-backend status. Status is "healthy" only when
// every required backend answers.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// Health handles GET /health. The oracle being open-circuit degrades the
// report but does not fail it; cache or store unreachability does.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	services := make(map[string]string)
	healthy := true

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			services["redis"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			services["redis"] = "ok"
		}
	}
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			services["postgres"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			services["postgres"] = "ok"
		}
	}
	if h.oracle != nil {
		if h.oracle.Healthy() {
			services["oracle"] = "ok"
		} else {
			services["oracle"] = "degraded"
		}
	}
	if h.priceQueue != nil {
		if _, err := h.priceQueue.Counts(r.Context()); err != nil {
			services["queues"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			services["queues"] = "ok"
		}
	}

	status := "healthy"
	code := http.StatusOK
	if !healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	h.writeJSON(w, code, healthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Services:  services,
	})
}
