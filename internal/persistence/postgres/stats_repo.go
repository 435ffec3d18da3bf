package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tokendex/pricer/internal/persistence"
)

// statsRepo implements StatsRepo for PostgreSQL.
type statsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewStatsRepo creates a new PostgreSQL cache-stats repository.
func NewStatsRepo(db *sqlx.DB, timeout time.Duration) persistence.StatsRepo {
	return &statsRepo{db: db, timeout: timeout}
}

// statColumns whitelists counter columns so the op can be interpolated into
// SQL safely. "set" and "delete" are quoted because they are keywords.
var statColumns = map[string]string{
	"hit":    "hit",
	"miss":   "miss",
	"set":    `"set"`,
	"delete": `"delete"`,
}

// IncrCacheStat bumps one counter (and the per-strategy counter when strategy
// is non-empty) for the given UTC day, creating the bucket on first use.
func (r *statsRepo) IncrCacheStat(ctx context.Context, day, op, strategy string) error {
	col, ok := statColumns[op]
	if !ok {
		return fmt.Errorf("unknown cache stat op: %s", op)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if strategy == "" {
		query := fmt.Sprintf(`
			INSERT INTO cache_stats (day, %s, total, strategies, updated_at)
			VALUES ($1, 1, 1, '{}'::jsonb, NOW())
			ON CONFLICT (day) DO UPDATE SET
				%s = cache_stats.%s + 1,
				total = cache_stats.total + 1,
				updated_at = NOW()`, col, col, col)
		if _, err := r.db.ExecContext(ctx, query, day); err != nil {
			return &persistence.StoreError{Op: "incr_cache_stat", Err: err}
		}
		return nil
	}

	initial, err := json.Marshal(map[string]int64{strategy: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal strategy counter: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO cache_stats (day, %s, total, strategies, updated_at)
		VALUES ($1, 1, 1, $2::jsonb, NOW())
		ON CONFLICT (day) DO UPDATE SET
			%s = cache_stats.%s + 1,
			total = cache_stats.total + 1,
			strategies = cache_stats.strategies || jsonb_build_object(
				$3::text, COALESCE((cache_stats.strategies->>$3)::bigint, 0) + 1),
			updated_at = NOW()`, col, col, col)
	if _, err := r.db.ExecContext(ctx, query, day, initial, strategy); err != nil {
		return &persistence.StoreError{Op: "incr_cache_stat", Err: err}
	}
	return nil
}

func (r *statsRepo) GetCacheStats(ctx context.Context, day string) (*persistence.CacheStatsBucket, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row struct {
		persistence.CacheStatsBucket
		RawStrategies []byte `db:"strategies"`
	}
	query := `
		SELECT day, hit, miss, "set", "delete", total, strategies, updated_at
		FROM cache_stats WHERE day = $1`

	err := r.db.GetContext(ctx, &row, query, day)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &persistence.StoreError{Op: "get_cache_stats", Err: err}
	}

	bucket := row.CacheStatsBucket
	if len(row.RawStrategies) > 0 {
		if err := json.Unmarshal(row.RawStrategies, &bucket.Strategies); err != nil {
			return nil, fmt.Errorf("failed to decode strategy counters: %w", err)
		}
	}
	return &bucket, nil
}
