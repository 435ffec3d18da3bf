package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/queue"
)

// WarmPair names a popular (token, network) pair kept warm in the cache.
type WarmPair struct {
	Token   string         `yaml:"token"`
	Network domain.Network `yaml:"network"`
}

// Config holds the task schedules. Interval tasks run on tickers; daily
// tasks fire at a fixed UTC hour.
type Config struct {
	CacheCleanupInterval time.Duration `yaml:"cache_cleanup_interval"`
	ArchivalHourUTC      int           `yaml:"archival_hour_utc"`
	WarmingEnabled       bool          `yaml:"warming_enabled"`
	WarmingInterval      time.Duration `yaml:"warming_interval"`
	WarmPairs            []WarmPair    `yaml:"warm_pairs"`
	MetricsEnabled       bool          `yaml:"metrics_enabled"`
	MetricsInterval      time.Duration `yaml:"metrics_interval"`
	DBOptimizeInterval   time.Duration `yaml:"db_optimize_interval"`
	DailyFetchHourUTC    int           `yaml:"daily_fetch_hour_utc"`
	ArchiveThresholdDays int           `yaml:"archive_threshold_days"`
}

// DefaultConfig mirrors the production schedule: hourly cleanup, daily
// archival, 6h warming, 15m metrics, weekly optimization, early-morning
// daily backfill.
func DefaultConfig() Config {
	return Config{
		CacheCleanupInterval: time.Hour,
		ArchivalHourUTC:      3,
		WarmingEnabled:       false,
		WarmingInterval:      6 * time.Hour,
		MetricsEnabled:       true,
		MetricsInterval:      15 * time.Minute,
		DBOptimizeInterval:   7 * 24 * time.Hour,
		DailyFetchHourUTC:    2,
		ArchiveThresholdDays: 365,
	}
}

// Manager drives the scheduled maintenance tasks and owns the historical
// backfill routine. The batch queue is injected at construction; the queue
// itself never learns about the manager beyond the BatchProcessor contract.
type Manager struct {
	repos      *persistence.Repository
	cache      *cache.PriceCache
	oracle     oracle.Client
	batchQueue *queue.Queue
	gatherer   prometheus.Gatherer
	config     Config
	retention  persistence.RetentionPolicy
	logger     zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewManager wires the lifecycle manager. gatherer may be nil.
func NewManager(repos *persistence.Repository, priceCache *cache.PriceCache, oracleClient oracle.Client, batchQueue *queue.Queue, gatherer prometheus.Gatherer, config Config, retention persistence.RetentionPolicy) *Manager {
	return &Manager{
		repos:      repos,
		cache:      priceCache,
		oracle:     oracleClient,
		batchQueue: batchQueue,
		gatherer:   gatherer,
		config:     config,
		retention:  retention,
		logger:     log.With().Str("component", "lifecycle").Logger(),
	}
}

// Start launches the schedule loops.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.every(ctx, m.config.CacheCleanupInterval, "cache_cleanup", m.cacheCleanup)
	m.dailyAt(ctx, m.config.ArchivalHourUTC, "data_archival", m.dataArchival)
	if m.config.WarmingEnabled {
		m.every(ctx, m.config.WarmingInterval, "cache_warming", m.cacheWarming)
	}
	if m.config.MetricsEnabled {
		m.every(ctx, m.config.MetricsInterval, "metrics_collection", m.metricsCollection)
	}
	m.every(ctx, m.config.DBOptimizeInterval, "db_optimization", m.dbOptimization)
	m.dailyAt(ctx, m.config.DailyFetchHourUTC, "daily_historical_fetch", m.dailyHistoricalFetch)

	m.logger.Info().Msg("lifecycle manager started")
}

// Stop cancels the schedule loops and waits for running tasks.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.logger.Info().Msg("lifecycle manager stopped")
}

func (m *Manager) every(ctx context.Context, interval time.Duration, name string, task func(context.Context)) {
	if interval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runTask(ctx, name, task)
			}
		}
	}()
}

func (m *Manager) dailyAt(ctx context.Context, hourUTC int, name string, task func(context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			timer := time.NewTimer(untilNextHourUTC(time.Now().UTC(), hourUTC))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				m.runTask(ctx, name, task)
			}
		}
	}()
}

func (m *Manager) runTask(ctx context.Context, name string, task func(context.Context)) {
	start := time.Now()
	m.logger.Debug().Str("task", name).Msg("task starting")
	task(ctx)
	m.logger.Info().Str("task", name).Dur("duration", time.Since(start)).Msg("task finished")
}

// untilNextHourUTC returns the wait until the next occurrence of hourUTC.
func untilNextHourUTC(now time.Time, hourUTC int) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}

// cacheCleanup is a hook: Redis TTLs already expire entries, so this only
// surfaces queue depth for observability.
func (m *Manager) cacheCleanup(ctx context.Context) {
	counts, err := m.batchQueue.Counts(ctx)
	if err != nil {
		m.logger.Debug().Err(err).Msg("queue counts unavailable")
		return
	}
	m.logger.Debug().Int64("batch_waiting", counts.Waiting).
		Int64("batch_delayed", counts.Delayed).Msg("cache cleanup hook")
}

func (m *Manager) dataArchival(ctx context.Context) {
	moved, err := m.repos.Prices.ArchiveOlderThan(ctx, m.config.ArchiveThresholdDays)
	if err != nil {
		m.logger.Error().Err(err).Msg("archival failed")
		return
	}
	if err := m.repos.Prices.PurgeExpired(ctx, m.retention); err != nil {
		m.logger.Error().Err(err).Msg("retention purge failed")
	}
	m.logger.Info().Int64("archived", moved).
		Int("threshold_days", m.config.ArchiveThresholdDays).Msg("archival pass complete")
}

func (m *Manager) cacheWarming(ctx context.Context) {
	for _, pair := range m.config.WarmPairs {
		rec, err := m.oracle.GetPrice(ctx, pair.Token, pair.Network, nil)
		if err != nil || rec == nil {
			m.logger.Debug().Err(err).Str("token", pair.Token).Msg("warming fetch empty")
			continue
		}
		key := m.cache.Key(pair.Network, pair.Token, nil)
		m.cache.Set(ctx, key, rec, cache.StrategyHot)
	}
	m.logger.Debug().Int("pairs", len(m.config.WarmPairs)).Msg("cache warming pass complete")
}

// metricsCollection samples the day's cache stats and the gathered
// prometheus families into the log stream.
func (m *Manager) metricsCollection(ctx context.Context) {
	day := time.Now().UTC().Format("2006-01-02")
	stats, err := m.repos.Stats.GetCacheStats(ctx, day)
	if err != nil {
		m.logger.Debug().Err(err).Msg("cache stats unavailable")
	} else if stats != nil {
		m.logger.Info().Str("day", day).
			Int64("hit", stats.Hit).Int64("miss", stats.Miss).
			Int64("set", stats.Set).Int64("total", stats.Total).
			Msg("cache stats sample")
	}

	if m.gatherer == nil {
		return
	}
	families, err := m.gatherer.Gather()
	if err != nil {
		m.logger.Debug().Err(err).Msg("metrics gather failed")
		return
	}
	samples, counters := 0, 0
	for _, family := range families {
		samples += len(family.GetMetric())
		if family.GetType() == dto.MetricType_COUNTER {
			counters++
		}
	}
	m.logger.Debug().Int("families", len(families)).Int("counters", counters).
		Int("samples", samples).Msg("metrics sample forwarded")
}

// dbOptimization is a reserved hook for compaction and reindexing.
func (m *Manager) dbOptimization(ctx context.Context) {
	m.logger.Debug().Msg("db optimization hook (reserved)")
}

// dailyHistoricalFetch enqueues one backfill per registered token covering
// its creation date through today.
func (m *Manager) dailyHistoricalFetch(ctx context.Context) {
	tokens, err := m.repos.Tokens.GetAllTokens(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("token registry scan failed")
		return
	}

	today := midnightUTC(time.Now().UTC())
	enqueued := 0
	for _, entry := range tokens {
		created := entry.CreationDate
		if created == nil {
			discovered, err := m.oracle.GetTokenCreationDate(ctx, entry.Token, entry.Network)
			if err != nil || discovered == nil {
				m.logger.Debug().Err(err).Str("token", entry.Token).
					Msg("creation date still unknown, skipping backfill")
				continue
			}
			if err := m.repos.Tokens.AddToken(ctx, entry.Token, entry.Network, discovered); err != nil {
				m.logger.Warn().Err(err).Str("token", entry.Token).Msg("failed to persist creation date")
			}
			created = discovered
		}

		job := queue.BatchJob{
			Token:     entry.Token,
			Network:   entry.Network,
			StartDate: midnightUTC(created.UTC()),
			EndDate:   today,
			RequestID: uuid.NewString(),
		}
		if m.repos.BatchJobs != nil {
			record := &persistence.BatchJobRecord{
				RequestID: job.RequestID,
				Token:     job.Token,
				Network:   job.Network,
				StartDate: job.StartDate,
				EndDate:   job.EndDate,
			}
			if err := m.repos.BatchJobs.Create(ctx, record); err != nil {
				m.logger.Debug().Err(err).Str("token", entry.Token).Msg("batch job record write failed")
			}
		}
		if _, err := m.batchQueue.Enqueue(ctx, job, queue.PriorityHistorical); err != nil {
			m.logger.Error().Err(err).Str("token", entry.Token).Msg("failed to enqueue backfill")
			continue
		}
		enqueued++
	}
	m.logger.Info().Int("tokens", len(tokens)).Int("enqueued", enqueued).
		Msg("daily historical fetch pass complete")
}

// ProcessBatchHistorical fills the daily UTC-midnight series between start
// and end inclusive. Existing records are skipped so re-runs are free.
func (m *Manager) ProcessBatchHistorical(ctx context.Context, token string, network domain.Network, start, end time.Time) (queue.BatchCounts, error) {
	var counts queue.BatchCounts

	series := DailySeries(start, end)
	if len(series) == 0 {
		return counts, nil
	}

	pending := make([]time.Time, 0, len(series))
	for _, day := range series {
		day := day
		existing, err := m.repos.Prices.GetPrice(ctx, token, network, &day)
		if err != nil {
			return counts, err
		}
		if existing != nil {
			counts.Skipped++
			continue
		}
		pending = append(pending, day)
	}
	if len(pending) == 0 {
		return counts, nil
	}

	requests := make([]oracle.PriceRequest, len(pending))
	for i, day := range pending {
		ts := day
		requests[i] = oracle.PriceRequest{Token: token, Network: network, Timestamp: &ts}
	}

	results := m.oracle.BatchGetPrices(ctx, requests)
	for i, rec := range results {
		if rec == nil {
			counts.Errors++
			continue
		}
		rec.Token = token
		rec.Network = network
		rec.Timestamp = pending[i]
		if err := m.repos.Prices.StorePrice(ctx, rec); err != nil {
			m.logger.Warn().Err(err).Str("token", token).
				Time("ts", pending[i]).Msg("backfill store failed")
			counts.Errors++
			continue
		}
		counts.Processed++
	}
	return counts, nil
}

// DailySeries generates the inclusive UTC-midnight timestamps from start
// through end.
func DailySeries(start, end time.Time) []time.Time {
	from := midnightUTC(start.UTC())
	to := midnightUTC(end.UTC())
	if to.Before(from) {
		return nil
	}
	var series []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		series = append(series, d)
	}
	return series
}

func midnightUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
