package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Queue names. Deferred single-price fills and historical backfills are kept
// separate so batch work can run at lower concurrency.
const (
	PriceQueue = "price-processing"
	BatchQueue = "batch-processing"
)

// Job priorities. Current-price fills jump ahead of historical backfill.
const (
	PriorityCurrent    = 10
	PriorityHistorical = 1
)

// Config holds worker pool and retry settings.
type Config struct {
	PriceConcurrency int           `yaml:"price_concurrency" env:"QUEUE_PRICE_CONCURRENCY"`
	BatchConcurrency int           `yaml:"batch_concurrency" env:"QUEUE_BATCH_CONCURRENCY"`
	MaxAttempts      int           `yaml:"max_attempts" env:"QUEUE_MAX_ATTEMPTS"`
	BackoffBase      time.Duration `yaml:"backoff_base" env:"QUEUE_BACKOFF_BASE"`
}

// DefaultConfig returns modest worker defaults.
func DefaultConfig() Config {
	return Config{
		PriceConcurrency: 5,
		BatchConcurrency: 2,
		MaxAttempts:      3,
		BackoffBase:      2 * time.Second,
	}
}

// JobCounts reports queue depth and throughput for the status endpoint.
type JobCounts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// envelope wraps a job payload with retry bookkeeping. Attempts live here so
// handlers stay oblivious to retry mechanics.
type envelope struct {
	ID       string          `json:"id"`
	Priority int             `json:"priority"`
	Attempts int             `json:"attempts"`
	Body     json.RawMessage `json:"body"`
}

// Queue is a Redis-backed job queue: one high and one low priority list,
// plus a sorted set of delayed retries scored by ready time. BRPOP's key
// ordering gives high-priority jobs strict precedence.
type Queue struct {
	rdb     *redis.Client
	appName string
	name    string
	config  Config
	active  int64
	logger  zerolog.Logger
}

// New creates a queue handle. Multiple handles on the same name share state
// through Redis.
func New(rdb *redis.Client, appName, name string, config Config) *Queue {
	return &Queue{
		rdb:     rdb,
		appName: appName,
		name:    name,
		config:  config,
		logger:  log.With().Str("component", "queue").Str("queue", name).Logger(),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key(suffix string) string {
	return fmt.Sprintf("%s:queue:%s:%s", q.appName, q.name, suffix)
}

// Enqueue pushes a job body at the given priority.
func (q *Queue) Enqueue(ctx context.Context, body interface{}, priority int) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}
	env := envelope{
		ID:       uuid.NewString(),
		Priority: priority,
		Body:     raw,
	}
	return env.ID, q.push(ctx, env)
}

func (q *Queue) push(ctx context.Context, env envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.listFor(env.Priority), payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

func (q *Queue) listFor(priority int) string {
	if priority >= PriorityCurrent {
		return q.key("high")
	}
	return q.key("low")
}

// dequeue blocks up to timeout for the next job, high list first.
func (q *Queue) dequeue(ctx context.Context, timeout time.Duration) (*envelope, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.key("high"), q.key("low")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value].
	var env envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		q.logger.Error().Err(err).Msg("dropping undecodable job")
		return nil, nil
	}
	return &env, nil
}

// retryLater schedules the envelope for another attempt after exponential
// backoff, or drops it once attempts are exhausted.
func (q *Queue) retryLater(ctx context.Context, env *envelope, cause error) {
	env.Attempts++
	if env.Attempts >= q.config.MaxAttempts {
		q.markFailed(ctx)
		q.logger.Warn().Err(cause).Str("job_id", env.ID).
			Int("attempts", env.Attempts).Msg("job attempts exhausted, abandoning")
		return
	}

	backoff := q.config.BackoffBase * time.Duration(1<<env.Attempts)
	readyAt := time.Now().Add(backoff)
	payload, err := json.Marshal(env)
	if err != nil {
		q.logger.Error().Err(err).Str("job_id", env.ID).Msg("failed to marshal retry envelope")
		return
	}
	if err := q.rdb.ZAdd(ctx, q.key("delayed"), &redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		q.logger.Error().Err(err).Str("job_id", env.ID).Msg("failed to schedule retry")
		return
	}
	q.logger.Debug().Err(cause).Str("job_id", env.ID).
		Dur("backoff", backoff).Int("attempt", env.Attempts).Msg("job scheduled for retry")
}

// promoteDelayed moves due retries back onto their priority list.
func (q *Queue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil || len(members) == 0 {
		return
	}
	for _, member := range members {
		if removed, err := q.rdb.ZRem(ctx, q.key("delayed"), member).Result(); err != nil || removed == 0 {
			continue // another worker promoted it first
		}
		var env envelope
		if err := json.Unmarshal([]byte(member), &env); err != nil {
			q.logger.Error().Err(err).Msg("dropping undecodable delayed job")
			continue
		}
		if err := q.push(ctx, env); err != nil {
			q.logger.Error().Err(err).Str("job_id", env.ID).Msg("failed to promote delayed job")
		}
	}
}

func (q *Queue) markProcessed(ctx context.Context) {
	if err := q.rdb.Incr(ctx, q.key("processed")).Err(); err != nil {
		q.logger.Debug().Err(err).Msg("failed to bump processed counter")
	}
}

func (q *Queue) markFailed(ctx context.Context) {
	if err := q.rdb.Incr(ctx, q.key("failed")).Err(); err != nil {
		q.logger.Debug().Err(err).Msg("failed to bump failed counter")
	}
}

// Counts reports current queue statistics.
func (q *Queue) Counts(ctx context.Context) (JobCounts, error) {
	high, err := q.rdb.LLen(ctx, q.key("high")).Result()
	if err != nil {
		return JobCounts{}, err
	}
	low, err := q.rdb.LLen(ctx, q.key("low")).Result()
	if err != nil {
		return JobCounts{}, err
	}
	delayed, err := q.rdb.ZCard(ctx, q.key("delayed")).Result()
	if err != nil {
		return JobCounts{}, err
	}
	processed, _ := q.rdb.Get(ctx, q.key("processed")).Int64()
	failed, _ := q.rdb.Get(ctx, q.key("failed")).Int64()

	return JobCounts{
		Waiting:   high + low,
		Delayed:   delayed,
		Active:    atomic.LoadInt64(&q.active),
		Processed: processed,
		Failed:    failed,
	}, nil
}
