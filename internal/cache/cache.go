package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// Strategy is a TTL class for cache entries. The set is closed; cold and
// archive entries are never cached.
type Strategy string

const (
	StrategyHot          Strategy = "hot"
	StrategyWarm         Strategy = "warm"
	StrategyInterpolated Strategy = "interpolated"
	StrategyCold         Strategy = "cold"
	StrategyArchive      Strategy = "archive"
)

// Config holds the fixed strategy → TTL table and the key prefix.
type Config struct {
	AppName         string        `yaml:"app_name" env:"CACHE_APP_NAME"`
	HotTTL          time.Duration `yaml:"hot_ttl" env:"CACHE_HOT_TTL"`
	WarmTTL         time.Duration `yaml:"warm_ttl" env:"CACHE_WARM_TTL"`
	InterpolatedTTL time.Duration `yaml:"interpolated_ttl" env:"CACHE_INTERPOLATED_TTL"`
}

// DefaultConfig returns the default TTL table: short for current prices,
// medium for historical re-populations, shorter than warm for interpolations.
func DefaultConfig() Config {
	return Config{
		AppName:         "pricer",
		HotTTL:          5 * time.Minute,
		WarmTTL:         1 * time.Hour,
		InterpolatedTTL: 15 * time.Minute,
	}
}

// MetricsHook receives cache hit/miss events for the prometheus counters.
type MetricsHook interface {
	RecordCacheHit(cacheType string)
	RecordCacheMiss(cacheType string)
}

// PriceCache is a Redis-backed, non-authoritative copy of PriceRecords.
// Redis failures degrade to misses; they are logged, never propagated.
type PriceCache struct {
	rdb     *redis.Client
	config  Config
	stats   persistence.StatsRepo
	metrics MetricsHook
	logger  zerolog.Logger
}

// New creates a price cache. stats and metrics may be nil.
func New(rdb *redis.Client, config Config, stats persistence.StatsRepo, metrics MetricsHook) *PriceCache {
	return &PriceCache{
		rdb:     rdb,
		config:  config,
		stats:   stats,
		metrics: metrics,
		logger:  log.With().Str("component", "cache").Logger(),
	}
}

// Key derives the stable cache key
// {appName}:price:{network}:{token_lc}:{timestamp|current}. Token input must
// already be normalized; lowercasing here is a guard against fragmented keys.
func (c *PriceCache) Key(network domain.Network, token string, ts *time.Time) string {
	suffix := "current"
	if ts != nil {
		suffix = ts.UTC().Format(time.RFC3339)
	}
	normalized, err := domain.NormalizeToken(token)
	if err != nil {
		normalized = token
	}
	return fmt.Sprintf("%s:price:%s:%s:%s", c.config.AppName, network, normalized, suffix)
}

// TTLFor returns the TTL for a strategy; zero means "do not cache".
func (c *PriceCache) TTLFor(strategy Strategy) time.Duration {
	switch strategy {
	case StrategyHot:
		return c.config.HotTTL
	case StrategyWarm:
		return c.config.WarmTTL
	case StrategyInterpolated:
		return c.config.InterpolatedTTL
	default:
		return 0
	}
}

// Get returns the cached record or (nil, nil) on miss. Errors count as misses.
func (c *PriceCache) Get(ctx context.Context, key string) (*persistence.PriceRecord, error) {
	payload, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		c.record(ctx, "miss", "")
		return nil, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		c.record(ctx, "miss", "")
		return nil, nil
	}

	var rec persistence.PriceRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache entry corrupt, deleting")
		c.rdb.Del(ctx, key)
		c.record(ctx, "miss", "")
		return nil, nil
	}

	c.record(ctx, "hit", "")
	return &rec, nil
}

// Set stores a record under the strategy's TTL. Cold and archive strategies
// are no-ops. Errors are logged and swallowed.
func (c *PriceCache) Set(ctx context.Context, key string, rec *persistence.PriceRecord, strategy Strategy) {
	ttl := c.TTLFor(strategy)
	if ttl <= 0 {
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
		return
	}
	c.record(ctx, "set", string(strategy))
}

// Delete removes a key.
func (c *PriceCache) Delete(ctx context.Context, key string) {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache delete failed")
		return
	}
	c.record(ctx, "delete", "")
}

// Exists reports whether a key is present.
func (c *PriceCache) Exists(ctx context.Context, key string) bool {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime of a key.
func (c *PriceCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

// Ping tests Redis connectivity for health checks.
func (c *PriceCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// record updates today's durable stats bucket and the prometheus counters.
// Stats failures only degrade observability, so they are logged and dropped.
func (c *PriceCache) record(ctx context.Context, op, strategy string) {
	if c.metrics != nil {
		switch op {
		case "hit":
			c.metrics.RecordCacheHit("price")
		case "miss":
			c.metrics.RecordCacheMiss("price")
		}
	}
	if c.stats == nil {
		return
	}
	day := time.Now().UTC().Format("2006-01-02")
	if err := c.stats.IncrCacheStat(ctx, day, op, strategy); err != nil {
		c.logger.Debug().Err(err).Str("op", op).Msg("cache stat increment failed")
	}
}
