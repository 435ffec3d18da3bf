package http

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsRegistry holds all prometheus metrics for pricer.
type MetricsRegistry struct {
	RequestDuration *prometheus.HistogramVec
	Resolutions     *prometheus.CounterVec
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
	CacheHitRatio   prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	OracleFailures  prometheus.Counter

	registry *prometheus.Registry
	hits     int64
	misses   int64
}

// NewMetricsRegistry creates and registers all pricer metrics.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pricer_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "path", "status"},
		),
		Resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricer_resolutions_total",
				Help: "Price resolutions by producing tier",
			},
			[]string{"source"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricer_cache_hits_total",
				Help: "Cache hits by cache type",
			},
			[]string{"cache_type"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pricer_cache_misses_total",
				Help: "Cache misses by cache type",
			},
			[]string{"cache_type"},
		),
		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pricer_cache_hit_ratio",
				Help: "Current cache hit ratio (0.0 to 1.0)",
			},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pricer_queue_depth",
				Help: "Queue depth by queue and state",
			},
			[]string{"queue", "state"},
		),
		OracleFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "pricer_oracle_failures_total",
				Help: "Failed upstream oracle calls",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestDuration, m.Resolutions, m.CacheHits, m.CacheMisses,
		m.CacheHitRatio, m.QueueDepth, m.OracleFailures,
	)
	return m
}

// RecordCacheHit bumps hit counters and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheHit(cacheType string) {
	m.CacheHits.WithLabelValues(cacheType).Inc()
	atomic.AddInt64(&m.hits, 1)
	m.updateCacheHitRatio()
}

// RecordCacheMiss bumps miss counters and refreshes the ratio gauge.
func (m *MetricsRegistry) RecordCacheMiss(cacheType string) {
	m.CacheMisses.WithLabelValues(cacheType).Inc()
	atomic.AddInt64(&m.misses, 1)
	m.updateCacheHitRatio()
}

// RecordResolution counts one resolved request by producing tier.
func (m *MetricsRegistry) RecordResolution(source string) {
	m.Resolutions.WithLabelValues(source).Inc()
}

// SetQueueDepth publishes one queue gauge.
func (m *MetricsRegistry) SetQueueDepth(queue, state string, depth float64) {
	m.QueueDepth.WithLabelValues(queue, state).Set(depth)
}

func (m *MetricsRegistry) updateCacheHitRatio() {
	hits := atomic.LoadInt64(&m.hits)
	misses := atomic.LoadInt64(&m.misses)
	if total := hits + misses; total > 0 {
		m.CacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// Gatherer exposes the registry for the lifecycle metrics sampler.
func (m *MetricsRegistry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the /metrics endpoint.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
