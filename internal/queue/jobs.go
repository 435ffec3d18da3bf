package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/interp"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/persistence"
)

// PriceJob is the price-processing payload. A nil Timestamp means "current".
type PriceJob struct {
	Token     string         `json:"token"`
	Network   domain.Network `json:"network"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	Priority  int            `json:"priority"`
}

// BatchJob is the batch-processing payload: one historical backfill range.
type BatchJob struct {
	Token     string         `json:"token"`
	Network   domain.Network `json:"network"`
	StartDate time.Time      `json:"startDate"`
	EndDate   time.Time      `json:"endDate"`
	RequestID string         `json:"requestId"`
}

// BatchCounts is the outcome of one historical backfill run.
type BatchCounts struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// BatchProcessor runs a historical backfill. The lifecycle manager implements
// it; the queue only knows this contract, which keeps the dependency one-way.
type BatchProcessor interface {
	ProcessBatchHistorical(ctx context.Context, token string, network domain.Network, start, end time.Time) (BatchCounts, error)
}

// PriceResult describes what a price job accomplished.
type PriceResult string

const (
	ResultStored       PriceResult = "stored"
	ResultInterpolated PriceResult = "interpolated"
	ResultSkipped      PriceResult = "skipped"
	ResultNoData       PriceResult = "no-data"
)

// PriceWorker fulfills deferred price fills: oracle first, interpolation
// second, no-data third. Workers are the sole writers of asynchronously
// obtained records.
type PriceWorker struct {
	repos  *persistence.Repository
	cache  *cache.PriceCache
	oracle oracle.Client
	interp *interp.Engine
	logger zerolog.Logger
}

// NewPriceWorker wires a price-processing job handler.
func NewPriceWorker(repos *persistence.Repository, priceCache *cache.PriceCache, oracleClient oracle.Client, engine *interp.Engine) *PriceWorker {
	return &PriceWorker{
		repos:  repos,
		cache:  priceCache,
		oracle: oracleClient,
		interp: engine,
		logger: log.With().Str("component", "price_worker").Logger(),
	}
}

// Handler adapts the worker to the queue's handler contract.
func (w *PriceWorker) Handler() Handler {
	return func(ctx context.Context, body json.RawMessage) error {
		var job PriceJob
		if err := json.Unmarshal(body, &job); err != nil {
			w.logger.Error().Err(err).Msg("dropping malformed price job")
			return nil
		}
		_, err := w.Process(ctx, job)
		return err
	}
}

// Process runs one job. Duplicate enqueues are safe: an exact-timestamp job
// whose record already exists is a skip with no external work.
func (w *PriceWorker) Process(ctx context.Context, job PriceJob) (PriceResult, error) {
	if job.Timestamp != nil {
		existing, err := w.repos.Prices.GetPrice(ctx, job.Token, job.Network, job.Timestamp)
		if err != nil {
			return "", err
		}
		if existing != nil {
			w.logger.Debug().Str("token", job.Token).Time("ts", *job.Timestamp).
				Msg("record already stored, skipping")
			return ResultSkipped, nil
		}
	}

	rec, err := w.oracle.GetPriceWithRetry(ctx, job.Token, job.Network, job.Timestamp)
	if err != nil {
		if oracle.IsTransient(err) {
			return "", err
		}
		w.logger.Warn().Err(err).Str("token", job.Token).Msg("oracle fetch failed definitively")
	}
	if rec != nil {
		rec.Token = job.Token
		rec.Network = job.Network
		if err := w.writeThrough(ctx, rec, w.strategyFor(job)); err != nil {
			return "", err
		}
		w.registerToken(ctx, job.Token, job.Network)
		return ResultStored, nil
	}

	target := time.Now().UTC()
	if job.Timestamp != nil {
		target = job.Timestamp.UTC()
	}
	synthesized, err := w.interp.Interpolate(ctx, job.Token, job.Network, target)
	if err != nil {
		return "", err
	}
	if synthesized != nil {
		if err := w.writeThrough(ctx, synthesized, cache.StrategyInterpolated); err != nil {
			return "", err
		}
		return ResultInterpolated, nil
	}

	w.logger.Info().Str("token", job.Token).Str("network", string(job.Network)).
		Msg("no data available for deferred fill")
	return ResultNoData, nil
}

func (w *PriceWorker) strategyFor(job PriceJob) cache.Strategy {
	if job.Timestamp == nil {
		return cache.StrategyHot
	}
	return cache.StrategyWarm
}

func (w *PriceWorker) writeThrough(ctx context.Context, rec *persistence.PriceRecord, strategy cache.Strategy) error {
	if err := w.repos.Prices.StorePrice(ctx, rec); err != nil {
		return fmt.Errorf("write-through failed: %w", err)
	}
	key := w.cache.Key(rec.Network, rec.Token, &rec.Timestamp)
	w.cache.Set(ctx, key, rec, strategy)
	return nil
}

// registerToken records a first-seen token and its discovered creation date.
// Failures are logged; registry writes never fail the job.
func (w *PriceWorker) registerToken(ctx context.Context, token string, network domain.Network) {
	entry, err := w.repos.Tokens.GetToken(ctx, token, network)
	if err != nil {
		w.logger.Debug().Err(err).Str("token", token).Msg("token registry lookup failed")
		return
	}
	if entry != nil && entry.CreationDate != nil {
		return
	}
	created, err := w.oracle.GetTokenCreationDate(ctx, token, network)
	if err != nil {
		w.logger.Debug().Err(err).Str("token", token).Msg("creation date discovery failed")
	}
	if err := w.repos.Tokens.AddToken(ctx, token, network, created); err != nil {
		w.logger.Debug().Err(err).Str("token", token).Msg("token registry write failed")
	}
}

// BatchWorker drains batch-processing jobs by delegating to the lifecycle
// manager's backfill routine and recording the counts.
type BatchWorker struct {
	processor BatchProcessor
	batchJobs persistence.BatchJobRepo
	logger    zerolog.Logger
}

// NewBatchWorker wires a batch-processing job handler.
func NewBatchWorker(processor BatchProcessor, batchJobs persistence.BatchJobRepo) *BatchWorker {
	return &BatchWorker{
		processor: processor,
		batchJobs: batchJobs,
		logger:    log.With().Str("component", "batch_worker").Logger(),
	}
}

// Handler adapts the worker to the queue's handler contract.
func (w *BatchWorker) Handler() Handler {
	return func(ctx context.Context, body json.RawMessage) error {
		var job BatchJob
		if err := json.Unmarshal(body, &job); err != nil {
			w.logger.Error().Err(err).Msg("dropping malformed batch job")
			return nil
		}

		counts, err := w.processor.ProcessBatchHistorical(ctx, job.Token, job.Network, job.StartDate, job.EndDate)
		if err != nil {
			return err
		}

		if job.RequestID != "" && w.batchJobs != nil {
			failed := counts.Processed == 0 && counts.Errors > 0
			if err := w.batchJobs.Complete(ctx, job.RequestID, counts.Processed, counts.Skipped, counts.Errors, failed); err != nil {
				w.logger.Warn().Err(err).Str("request_id", job.RequestID).Msg("failed to record batch outcome")
			}
		}

		w.logger.Info().Str("token", job.Token).Str("network", string(job.Network)).
			Int("processed", counts.Processed).Int("skipped", counts.Skipped).
			Int("errors", counts.Errors).Msg("batch backfill finished")
		return nil
	}
}
