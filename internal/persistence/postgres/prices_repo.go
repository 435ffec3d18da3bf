package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

const priceColumns = `id, token, network, ts, usd, last_updated, symbol, name, decimals,
	total_supply, logo_uri, interpolated, method, confidence, data_points, created_at`

// pricesRepo implements PriceRepo for PostgreSQL.
type pricesRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPricesRepo creates a new PostgreSQL prices repository.
func NewPricesRepo(db *sqlx.DB, timeout time.Duration) persistence.PriceRepo {
	return &pricesRepo{db: db, timeout: timeout}
}

// priceRow carries the raw data_points JSONB alongside the record fields.
type priceRow struct {
	persistence.PriceRecord
	DataPoints []byte `db:"data_points"`
}

func (row *priceRow) toRecord() (*persistence.PriceRecord, error) {
	rec := row.PriceRecord
	if len(row.DataPoints) > 0 {
		if err := json.Unmarshal(row.DataPoints, &rec.DataPointsUsed); err != nil {
			return nil, fmt.Errorf("failed to decode data_points: %w", err)
		}
	}
	return &rec, nil
}

// StorePrice upserts the record and folds it into the day's rollup in one
// transaction. The WHERE clause on the conflict action keeps interpolated
// writes from replacing an authoritative row; authoritative writes replace
// anything (last writer wins, all writers converge on the same value).
func (r *pricesRepo) StorePrice(ctx context.Context, rec *persistence.PriceRecord) error {
	if rec.USD <= 0 {
		return fmt.Errorf("refusing to store non-positive price %f for %s", rec.USD, rec.Token)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	dataPoints, err := json.Marshal(rec.DataPointsUsed)
	if err != nil {
		return fmt.Errorf("failed to marshal data points: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return &persistence.StoreError{Op: "store_price", Err: err}
	}
	defer tx.Rollback()

	upsert := `
		INSERT INTO prices (id, token, network, ts, usd, last_updated, symbol, name,
			decimals, total_supply, logo_uri, interpolated, method, confidence, data_points)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (token, network, ts) DO UPDATE SET
			usd = EXCLUDED.usd,
			last_updated = EXCLUDED.last_updated,
			symbol = EXCLUDED.symbol,
			name = EXCLUDED.name,
			decimals = EXCLUDED.decimals,
			total_supply = EXCLUDED.total_supply,
			logo_uri = EXCLUDED.logo_uri,
			interpolated = EXCLUDED.interpolated,
			method = EXCLUDED.method,
			confidence = EXCLUDED.confidence,
			data_points = EXCLUDED.data_points
		WHERE prices.interpolated OR NOT EXCLUDED.interpolated`

	if _, err := tx.ExecContext(ctx, upsert,
		rec.DocumentID(), rec.Token, rec.Network, rec.Timestamp.UTC(), rec.USD,
		rec.LastUpdated.UTC(), rec.Symbol, rec.Name, rec.Decimals, rec.TotalSupply,
		rec.LogoURI, rec.Interpolated, string(rec.Method), rec.Confidence, dataPoints,
	); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Concurrent writer won the id race; the unique index already
			// holds the converged row.
			return nil
		}
		return &persistence.StoreError{Op: "store_price", Err: err}
	}

	if err := r.upsertRollup(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &persistence.StoreError{Op: "store_price", Err: err}
	}
	return nil
}

// upsertRollup applies the atomic min/max/increment/append update so that
// concurrent inserts for the same day converge.
func (r *pricesRepo) upsertRollup(ctx context.Context, tx *sqlx.Tx, rec *persistence.PriceRecord) error {
	source := "api"
	if rec.Interpolated {
		source = "interpolated"
	}
	point, err := json.Marshal([]persistence.PricePoint{{
		Timestamp: rec.Timestamp.UTC(),
		USD:       rec.USD,
		Source:    source,
	}})
	if err != nil {
		return fmt.Errorf("failed to marshal rollup point: %w", err)
	}

	day := rec.Timestamp.UTC().Format("2006-01-02")
	query := `
		INSERT INTO price_rollups (token, network, day, count, first_price, last_price,
			min_price, max_price, points, updated_at)
		VALUES ($1, $2, $3, 1, $4, $4, $4, $4, $5, NOW())
		ON CONFLICT (token, network, day) DO UPDATE SET
			count = price_rollups.count + 1,
			last_price = EXCLUDED.last_price,
			min_price = LEAST(price_rollups.min_price, EXCLUDED.min_price),
			max_price = GREATEST(price_rollups.max_price, EXCLUDED.max_price),
			points = price_rollups.points || EXCLUDED.points,
			updated_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, rec.Token, rec.Network, day, rec.USD, point); err != nil {
		return &persistence.StoreError{Op: "upsert_rollup", Err: err}
	}
	return nil
}

// GetPrice returns the exact record when ts is given, else the most recent.
func (r *pricesRepo) GetPrice(ctx context.Context, token string, network domain.Network, ts *time.Time) (*persistence.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		row priceRow
		err error
	)
	if ts != nil {
		query := fmt.Sprintf(`SELECT %s FROM prices WHERE token = $1 AND network = $2 AND ts = $3`, priceColumns)
		err = r.db.GetContext(ctx, &row, query, token, network, ts.UTC())
	} else {
		query := fmt.Sprintf(`SELECT %s FROM prices WHERE token = $1 AND network = $2 ORDER BY ts DESC LIMIT 1`, priceColumns)
		err = r.db.GetContext(ctx, &row, query, token, network)
	}
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &persistence.StoreError{Op: "get_price", Err: err}
	}
	return row.toRecord()
}

// GetNearestPrices returns up to limit/2 authoritative neighbors on each side
// of target, merged ASC. Interpolated rows are excluded so synthesized values
// never feed further interpolation.
func (r *pricesRepo) GetNearestPrices(ctx context.Context, token string, network domain.Network, target time.Time, limit int) ([]persistence.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit < 2 {
		limit = 2
	}
	side := limit / 2

	query := fmt.Sprintf(`
		SELECT * FROM (
			SELECT %s FROM prices
			WHERE token = $1 AND network = $2 AND ts < $3 AND NOT interpolated
			ORDER BY ts DESC LIMIT $4
		) before
		UNION ALL
		SELECT * FROM (
			SELECT %s FROM prices
			WHERE token = $1 AND network = $2 AND ts > $3 AND NOT interpolated
			ORDER BY ts ASC LIMIT $4
		) after
		ORDER BY ts ASC`, priceColumns, priceColumns)

	var rows []priceRow
	if err := r.db.SelectContext(ctx, &rows, query, token, network, target.UTC(), side); err != nil {
		return nil, &persistence.StoreError{Op: "get_nearest_prices", Err: err}
	}
	return rowsToRecords(rows)
}

// GetPriceHistory returns records in [start, end] ASC.
func (r *pricesRepo) GetPriceHistory(ctx context.Context, token string, network domain.Network, start, end time.Time) ([]persistence.PriceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM prices
		WHERE token = $1 AND network = $2 AND ts >= $3 AND ts <= $4
		ORDER BY ts ASC`, priceColumns)

	var rows []priceRow
	if err := r.db.SelectContext(ctx, &rows, query, token, network, start.UTC(), end.UTC()); err != nil {
		return nil, &persistence.StoreError{Op: "get_price_history", Err: err}
	}
	return rowsToRecords(rows)
}

// GetDailyRollup fetches one rollup row.
func (r *pricesRepo) GetDailyRollup(ctx context.Context, token string, network domain.Network, day string) (*persistence.DailyRollup, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row struct {
		persistence.DailyRollup
		RawPoints []byte `db:"points"`
	}
	query := `
		SELECT token, network, day, count, first_price, last_price, min_price, max_price,
			points, updated_at
		FROM price_rollups WHERE token = $1 AND network = $2 AND day = $3`

	err := r.db.GetContext(ctx, &row, query, token, network, day)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &persistence.StoreError{Op: "get_daily_rollup", Err: err}
	}

	rollup := row.DailyRollup
	if len(row.RawPoints) > 0 {
		if err := json.Unmarshal(row.RawPoints, &rollup.Points); err != nil {
			return nil, fmt.Errorf("failed to decode rollup points: %w", err)
		}
	}
	return &rollup, nil
}

// ArchiveOlderThan moves live rows past the threshold into archived_prices.
func (r *pricesRepo) ArchiveOlderThan(ctx context.Context, days int) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, &persistence.StoreError{Op: "archive", Err: err}
	}
	defer tx.Rollback()

	copyQuery := `
		INSERT INTO archived_prices (id, token, network, ts, usd, last_updated, symbol,
			name, decimals, total_supply, logo_uri, interpolated, method, confidence,
			data_points, created_at, archived_at, compressed)
		SELECT id, token, network, ts, usd, last_updated, symbol, name, decimals,
			total_supply, logo_uri, interpolated, method, confidence, data_points,
			created_at, NOW(), FALSE
		FROM prices
		WHERE ts < NOW() - ($1 * INTERVAL '1 day')
		ON CONFLICT (id) DO NOTHING`

	if _, err := tx.ExecContext(ctx, copyQuery, days); err != nil {
		return 0, &persistence.StoreError{Op: "archive_copy", Err: err}
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM prices WHERE ts < NOW() - ($1 * INTERVAL '1 day')`, days)
	if err != nil {
		return 0, &persistence.StoreError{Op: "archive_delete", Err: err}
	}
	moved, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, &persistence.StoreError{Op: "archive", Err: err}
	}
	return moved, nil
}

// PurgeExpired enforces retention windows across collections.
func (r *pricesRepo) PurgeExpired(ctx context.Context, policy persistence.RetentionPolicy) error {
	ctx, cancel := context.WithTimeout(ctx, 2*r.timeout)
	defer cancel()

	purges := []struct {
		query string
		age   time.Duration
	}{
		{`DELETE FROM prices WHERE created_at < NOW() - ($1 * INTERVAL '1 second')`, policy.Prices},
		{`DELETE FROM cache_stats WHERE day::date < (NOW() - ($1 * INTERVAL '1 second'))::date`, policy.CacheStats},
		{`DELETE FROM archived_prices WHERE archived_at < NOW() - ($1 * INTERVAL '1 second')`, policy.Archived},
	}
	for _, p := range purges {
		if p.age <= 0 {
			continue
		}
		if _, err := r.db.ExecContext(ctx, p.query, int64(p.age.Seconds())); err != nil {
			return &persistence.StoreError{Op: "purge_expired", Err: err}
		}
	}
	return nil
}

func rowsToRecords(rows []priceRow) ([]persistence.PriceRecord, error) {
	records := make([]persistence.PriceRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, nil
}
