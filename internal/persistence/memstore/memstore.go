// Package memstore is an in-memory persistence.Repository used by the test
// suite and by offline development. It honors the same write semantics as the
// postgres implementation, including the interpolated-never-replaces-
// authoritative upsert guard.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// Store holds every collection behind one mutex.
type Store struct {
	mu sync.Mutex

	prices   map[string]*persistence.PriceRecord
	archived map[string]*persistence.PriceRecord
	tokens   map[string]*persistence.TokenEntry
	stats    map[string]*persistence.CacheStatsBucket
	jobs     map[string]*persistence.BatchJobRecord

	// Err, when set, is returned by every operation. Used to simulate an
	// unreachable store.
	Err error
}

// New creates an empty store.
func New() *Store {
	return &Store{
		prices:   make(map[string]*persistence.PriceRecord),
		archived: make(map[string]*persistence.PriceRecord),
		tokens:   make(map[string]*persistence.TokenEntry),
		stats:    make(map[string]*persistence.CacheStatsBucket),
		jobs:     make(map[string]*persistence.BatchJobRecord),
	}
}

// Repository exposes the store through the persistence interfaces.
func (s *Store) Repository() *persistence.Repository {
	return &persistence.Repository{
		Prices:    s,
		Tokens:    s,
		Stats:     s,
		BatchJobs: s,
	}
}

func priceKey(token string, network domain.Network, ts time.Time) string {
	return token + "|" + string(network) + "|" + ts.UTC().Format(time.RFC3339)
}

func tokenKey(token string, network domain.Network) string {
	return token + "|" + string(network)
}

// StorePrice upserts by identity. An interpolated record never replaces an
// authoritative one.
func (s *Store) StorePrice(ctx context.Context, rec *persistence.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "store_price", Err: s.Err}
	}

	key := priceKey(rec.Token, rec.Network, rec.Timestamp)
	if existing, ok := s.prices[key]; ok && !existing.Interpolated && rec.Interpolated {
		return nil
	}
	copied := *rec
	copied.ID = copied.DocumentID()
	s.prices[key] = &copied
	return nil
}

// GetPrice returns the exact record when ts is non-nil, else the latest.
func (s *Store) GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_price", Err: s.Err}
	}

	if ts != nil {
		if rec, ok := s.prices[priceKey(token, network, *ts)]; ok {
			copied := *rec
			return &copied, nil
		}
		return nil, nil
	}

	var latest *persistence.PriceRecord
	for _, rec := range s.prices {
		if rec.Token != token || rec.Network != network {
			continue
		}
		if latest == nil || rec.Timestamp.After(latest.Timestamp) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, nil
	}
	copied := *latest
	return &copied, nil
}

// GetNearestPrices returns up to limit/2 authoritative neighbors on each side
// of target, merged ASC.
func (s *Store) GetNearestPrices(ctx context.Context, token string, network domain.Network, target time.Time, limit int) ([]persistence.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_nearest", Err: s.Err}
	}

	var before, after []persistence.PriceRecord
	for _, rec := range s.prices {
		if rec.Token != token || rec.Network != network || rec.Interpolated {
			continue
		}
		if rec.Timestamp.Before(target) {
			before = append(before, *rec)
		} else if rec.Timestamp.After(target) {
			after = append(after, *rec)
		}
	}
	sort.Slice(before, func(i, j int) bool { return before[i].Timestamp.Before(before[j].Timestamp) })
	sort.Slice(after, func(i, j int) bool { return after[i].Timestamp.Before(after[j].Timestamp) })

	half := limit / 2
	if len(before) > half {
		before = before[len(before)-half:]
	}
	if len(after) > half {
		after = after[:half]
	}
	return append(before, after...), nil
}

// GetPriceHistory returns records in [start, end] ASC.
func (s *Store) GetPriceHistory(ctx context.Context, token string, network domain.Network, start, end time.Time) ([]persistence.PriceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_history", Err: s.Err}
	}

	var out []persistence.PriceRecord
	for _, rec := range s.prices {
		if rec.Token != token || rec.Network != network {
			continue
		}
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetDailyRollup synthesizes a rollup from the stored records for that day.
func (s *Store) GetDailyRollup(ctx context.Context, token string, network domain.Network, day string) (*persistence.DailyRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_rollup", Err: s.Err}
	}

	var points []persistence.PricePoint
	for _, rec := range s.prices {
		if rec.Token != token || rec.Network != network {
			continue
		}
		if rec.Timestamp.UTC().Format("2006-01-02") != day {
			continue
		}
		points = append(points, persistence.PricePoint{Timestamp: rec.Timestamp, USD: rec.USD})
	}
	if len(points) == 0 {
		return nil, nil
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })

	rollup := &persistence.DailyRollup{
		Token:      token,
		Network:    network,
		Day:        day,
		Count:      len(points),
		FirstPrice: points[0].USD,
		LastPrice:  points[len(points)-1].USD,
		MinPrice:   points[0].USD,
		MaxPrice:   points[0].USD,
		Points:     points,
	}
	for _, p := range points {
		if p.USD < rollup.MinPrice {
			rollup.MinPrice = p.USD
		}
		if p.USD > rollup.MaxPrice {
			rollup.MaxPrice = p.USD
		}
	}
	return rollup, nil
}

// ArchiveOlderThan moves rows older than the threshold into the archive.
func (s *Store) ArchiveOlderThan(ctx context.Context, days int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return 0, &persistence.StoreError{Op: "archive", Err: s.Err}
	}

	threshold := time.Now().UTC().AddDate(0, 0, -days)
	var moved int64
	for key, rec := range s.prices {
		if rec.Timestamp.Before(threshold) {
			s.archived[key] = rec
			delete(s.prices, key)
			moved++
		}
	}
	return moved, nil
}

// PurgeExpired drops archived rows past the retention policy. Live prices are
// retained through archival first, so only the archive is purged here.
func (s *Store) PurgeExpired(ctx context.Context, policy persistence.RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "purge", Err: s.Err}
	}

	if policy.Archived <= 0 {
		return nil
	}
	threshold := time.Now().UTC().Add(-policy.Archived)
	for key, rec := range s.archived {
		if rec.Timestamp.Before(threshold) {
			delete(s.archived, key)
		}
	}
	return nil
}

// AddToken upserts a registry entry without overwriting a known creation date.
func (s *Store) AddToken(ctx context.Context, token string, network domain.Network, creationDate *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "add_token", Err: s.Err}
	}

	key := tokenKey(token, network)
	if existing, ok := s.tokens[key]; ok {
		if existing.CreationDate == nil && creationDate != nil {
			copied := creationDate.UTC()
			existing.CreationDate = &copied
		}
		return nil
	}
	entry := &persistence.TokenEntry{
		Token:   token,
		Network: network,
		AddedAt: time.Now().UTC(),
	}
	if creationDate != nil {
		copied := creationDate.UTC()
		entry.CreationDate = &copied
	}
	s.tokens[key] = entry
	return nil
}

func (s *Store) GetToken(ctx context.Context, token string, network domain.Network) (*persistence.TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_token", Err: s.Err}
	}

	if entry, ok := s.tokens[tokenKey(token, network)]; ok {
		copied := *entry
		return &copied, nil
	}
	return nil, nil
}

func (s *Store) GetAllTokens(ctx context.Context) ([]persistence.TokenEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_all_tokens", Err: s.Err}
	}

	out := make([]persistence.TokenEntry, 0, len(s.tokens))
	for _, entry := range s.tokens {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

// IncrCacheStat bumps one day's counters.
func (s *Store) IncrCacheStat(ctx context.Context, day, op, strategy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "incr_stat", Err: s.Err}
	}

	bucket, ok := s.stats[day]
	if !ok {
		bucket = &persistence.CacheStatsBucket{Day: day, Strategies: make(map[string]int64)}
		s.stats[day] = bucket
	}
	switch op {
	case "hit":
		bucket.Hit++
	case "miss":
		bucket.Miss++
	case "set":
		bucket.Set++
	case "delete":
		bucket.Delete++
	default:
		return nil
	}
	bucket.Total++
	if strategy != "" {
		bucket.Strategies[strategy]++
	}
	bucket.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetCacheStats(ctx context.Context, day string) (*persistence.CacheStatsBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_stats", Err: s.Err}
	}

	if bucket, ok := s.stats[day]; ok {
		copied := *bucket
		return &copied, nil
	}
	return nil, nil
}

// Create records a batch job submission.
func (s *Store) Create(ctx context.Context, job *persistence.BatchJobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "create_job", Err: s.Err}
	}

	copied := *job
	if copied.Status == "" {
		copied.Status = "queued"
	}
	copied.CreatedAt = time.Now().UTC()
	s.jobs[job.RequestID] = &copied
	return nil
}

// Complete records a batch job outcome.
func (s *Store) Complete(ctx context.Context, requestID string, processed, skipped, errCount int, failed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return &persistence.StoreError{Op: "complete_job", Err: s.Err}
	}

	job, ok := s.jobs[requestID]
	if !ok {
		return nil
	}
	job.Processed = processed
	job.Skipped = skipped
	job.Errors = errCount
	job.Status = "completed"
	if failed {
		job.Status = "failed"
	}
	now := time.Now().UTC()
	job.CompletedAt = &now
	return nil
}

func (s *Store) Get(ctx context.Context, requestID string) (*persistence.BatchJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, &persistence.StoreError{Op: "get_job", Err: s.Err}
	}

	if job, ok := s.jobs[requestID]; ok {
		copied := *job
		return &copied, nil
	}
	return nil, nil
}
