package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tokendex/pricer/internal/cache"
	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/interp"
	"github.com/tokendex/pricer/internal/oracle"
	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/queue"
)

// Resolution is the pipeline's reply: a tagged record, or a queued deferral
// when every synchronous tier declined.
type Resolution struct {
	Record *persistence.PriceRecord `json:"record,omitempty"`
	Queued bool                     `json:"queued,omitempty"`
}

// Metrics receives per-tier resolution outcomes.
type Metrics interface {
	RecordResolution(source string)
}

// Resolver orchestrates the four synchronous tiers (cache, store, oracle,
// interpolation) and the deferred-fill fallback. Tiers run sequentially;
// each tier's miss informs the next.
type Resolver struct {
	cache      *cache.PriceCache
	repos      *persistence.Repository
	oracle     oracle.Client
	interp     *interp.Engine
	priceQueue *queue.Queue
	metrics    Metrics
	logger     zerolog.Logger
}

// NewResolver wires the pipeline. metrics may be nil.
func NewResolver(priceCache *cache.PriceCache, repos *persistence.Repository, oracleClient oracle.Client, engine *interp.Engine, priceQueue *queue.Queue, metrics Metrics) *Resolver {
	return &Resolver{
		cache:      priceCache,
		repos:      repos,
		oracle:     oracleClient,
		interp:     engine,
		priceQueue: priceQueue,
		metrics:    metrics,
		logger:     log.With().Str("component", "pipeline").Logger(),
	}
}

// Resolve answers "what was the USD price of token on network at ts?".
// Token must already be normalized and network validated. A nil ts means
// "current". Only a store failure on the authoritative lookup aborts the
// pipeline; oracle trouble and interpolation declines fall through.
func (r *Resolver) Resolve(ctx context.Context, token string, network domain.Network, ts *time.Time) (*Resolution, error) {
	key := r.cache.Key(network, token, ts)

	// Tier 1: cache.
	cached, _ := r.cache.Get(ctx, key)
	if cached != nil {
		if !cached.Interpolated {
			cached.Source = domain.SourceCache
			r.count(domain.SourceCache)
			return &Resolution{Record: cached}, nil
		}
		// A cached interpolation must defer to any authoritative record that
		// has appeared since; serving it blind could mask a real answer.
		lookup := ts
		if lookup == nil {
			lookup = &cached.Timestamp
		}
		stored, err := r.repos.Prices.GetPrice(ctx, token, network, lookup)
		if err != nil {
			return nil, err
		}
		if stored != nil && !stored.Interpolated {
			r.cache.Set(ctx, key, stored, cache.StrategyWarm)
			stored.Source = domain.SourceDB
			r.count(domain.SourceDB)
			return &Resolution{Record: stored}, nil
		}
		cached.Source = domain.SourceCache
		r.count(domain.SourceCache)
		return &Resolution{Record: cached}, nil
	}

	// Tier 2: durable store. Unreachability here is a hard failure; without
	// knowing what is durably stored we risk reviving a superseded value.
	stored, err := r.repos.Prices.GetPrice(ctx, token, network, ts)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		r.cache.Set(ctx, key, stored, cache.StrategyWarm)
		if stored.Interpolated {
			stored.Source = domain.SourceInterpolated
			r.count(domain.SourceInterpolated)
		} else {
			stored.Source = domain.SourceDB
			r.count(domain.SourceDB)
		}
		return &Resolution{Record: stored}, nil
	}

	// Tier 3: upstream oracle. Transient failure is not a pipeline failure.
	fetched, err := r.oracle.GetPriceWithRetry(ctx, token, network, ts)
	if err != nil {
		r.logger.Warn().Err(err).Str("token", token).Str("network", string(network)).
			Msg("oracle unavailable, falling through")
	}
	if fetched != nil {
		fetched.Token = token
		fetched.Network = network
		strategy := cache.StrategyWarm
		if ts == nil {
			strategy = cache.StrategyHot
		}
		r.writeThrough(ctx, key, fetched, strategy)
		go r.registerToken(token, network)
		fetched.Source = domain.SourceAPI
		r.count(domain.SourceAPI)
		return &Resolution{Record: fetched}, nil
	}

	// Tier 4: interpolation.
	target := time.Now().UTC()
	if ts != nil {
		target = ts.UTC()
	}
	synthesized, err := r.interp.Interpolate(ctx, token, network, target)
	if err != nil {
		return nil, err
	}
	if synthesized != nil {
		r.writeThrough(ctx, key, synthesized, cache.StrategyInterpolated)
		synthesized.Source = domain.SourceInterpolated
		r.count(domain.SourceInterpolated)
		return &Resolution{Record: synthesized}, nil
	}

	// Tier 5: deferred fill. The caller is expected to retry later.
	priority := queue.PriorityHistorical
	if ts == nil {
		priority = queue.PriorityCurrent
	}
	job := queue.PriceJob{Token: token, Network: network, Timestamp: ts, Priority: priority}
	if _, err := r.priceQueue.Enqueue(ctx, job, priority); err != nil {
		r.logger.Error().Err(err).Str("token", token).Msg("failed to enqueue deferred fill")
		return nil, err
	}
	r.count("queued")
	return &Resolution{Queued: true}, nil
}

// writeThrough persists and caches a freshly obtained record. A failed store
// write is logged but does not void the reply; the record came straight from
// its source and the deferred-fill path will converge the store later.
func (r *Resolver) writeThrough(ctx context.Context, key string, rec *persistence.PriceRecord, strategy cache.Strategy) {
	if err := r.repos.Prices.StorePrice(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("token", rec.Token).Msg("write-through store failed")
	}
	r.cache.Set(ctx, key, rec, strategy)
}

// registerToken records first-seen tokens with their discovered creation
// date. Best effort, detached from the request.
func (r *Resolver) registerToken(token string, network domain.Network) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entry, err := r.repos.Tokens.GetToken(ctx, token, network)
	if err != nil {
		r.logger.Debug().Err(err).Str("token", token).Msg("token registry lookup failed")
		return
	}
	if entry != nil && entry.CreationDate != nil {
		return
	}
	created, err := r.oracle.GetTokenCreationDate(ctx, token, network)
	if err != nil {
		r.logger.Debug().Err(err).Str("token", token).Msg("creation date discovery failed")
	}
	if err := r.repos.Tokens.AddToken(ctx, token, network, created); err != nil {
		r.logger.Debug().Err(err).Str("token", token).Msg("token registry write failed")
	}
}

func (r *Resolver) count(source domain.Source) {
	if r.metrics != nil {
		r.metrics.RecordResolution(string(source))
	}
}
