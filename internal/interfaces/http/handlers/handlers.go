package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/pipeline"
	"github.com/tokendex/pricer/internal/queue"
)

type contextKey string

// RequestIDKey carries the per-request id assigned by the server middleware.
const RequestIDKey contextKey = "request_id"

// Resolver answers price resolution requests. The pipeline implements it.
type Resolver interface {
	Resolve(ctx context.Context, token string, network domain.Network, ts *time.Time) (*pipeline.Resolution, error)
}

// Pinger reports backend reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// OracleHealth reports whether the upstream oracle is accepting calls.
type OracleHealth interface {
	Healthy() bool
}

// Handlers bundles every HTTP endpoint with its dependencies.
type Handlers struct {
	resolver   Resolver
	repos      *persistence.Repository
	priceQueue *queue.Queue
	batchQueue *queue.Queue
	cache      Pinger
	db         Pinger
	oracle     OracleHealth
	logger     zerolog.Logger
}

// New creates the handler set. Any dependency may be nil in tests; the
// endpoints that need it will report it as unavailable.
func New(resolver Resolver, repos *persistence.Repository, priceQueue, batchQueue *queue.Queue, cachePing, dbPing Pinger, oracleHealth OracleHealth) *Handlers {
	return &Handlers{
		resolver:   resolver,
		repos:      repos,
		priceQueue: priceQueue,
		batchQueue: batchQueue,
		cache:      cachePing,
		db:         dbPing,
		oracle:     oracleHealth,
		logger:     log.With().Str("component", "http_handlers").Logger(),
	}
}

// errorResponse is the uniform error body.
type errorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	h.writeJSON(w, status, errorResponse{
		Success:   false,
		Error:     msg,
		RequestID: requestID(r.Context()),
	})
}

// NotFound is the fallback route.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "not found")
}
