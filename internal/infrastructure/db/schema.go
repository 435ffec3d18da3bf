package db

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// schema is applied idempotently at startup. The unique index on
// (token, network, ts) is what makes concurrent upserts converge; the
// secondary indices back point lookups, range scans and retention sweeps.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS prices (
		id           TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		network      TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		usd          DOUBLE PRECISION NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		symbol       TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		decimals     INTEGER NOT NULL DEFAULT 0,
		total_supply TEXT NOT NULL DEFAULT '',
		logo_uri     TEXT NOT NULL DEFAULT '',
		interpolated BOOLEAN NOT NULL DEFAULT FALSE,
		method       TEXT NOT NULL DEFAULT '',
		confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
		data_points  JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS prices_identity_idx ON prices (token, network, ts)`,
	`CREATE INDEX IF NOT EXISTS prices_pair_idx ON prices (token, network)`,
	`CREATE INDEX IF NOT EXISTS prices_ts_idx ON prices (ts)`,
	`CREATE INDEX IF NOT EXISTS prices_usd_idx ON prices (usd)`,
	`CREATE INDEX IF NOT EXISTS prices_created_at_idx ON prices (created_at)`,

	`CREATE TABLE IF NOT EXISTS price_rollups (
		token       TEXT NOT NULL,
		network     TEXT NOT NULL,
		day         TEXT NOT NULL,
		count       INTEGER NOT NULL DEFAULT 0,
		first_price DOUBLE PRECISION NOT NULL,
		last_price  DOUBLE PRECISION NOT NULL,
		min_price   DOUBLE PRECISION NOT NULL,
		max_price   DOUBLE PRECISION NOT NULL,
		points      JSONB NOT NULL DEFAULT '[]'::jsonb,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (token, network, day)
	)`,

	`CREATE TABLE IF NOT EXISTS tokens (
		token         TEXT NOT NULL,
		network       TEXT NOT NULL,
		creation_date TIMESTAMPTZ,
		added_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (token, network)
	)`,

	`CREATE TABLE IF NOT EXISTS cache_stats (
		day        TEXT PRIMARY KEY,
		hit        BIGINT NOT NULL DEFAULT 0,
		miss       BIGINT NOT NULL DEFAULT 0,
		"set"      BIGINT NOT NULL DEFAULT 0,
		"delete"   BIGINT NOT NULL DEFAULT 0,
		total      BIGINT NOT NULL DEFAULT 0,
		strategies JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS archived_prices (
		id           TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		network      TEXT NOT NULL,
		ts           TIMESTAMPTZ NOT NULL,
		usd          DOUBLE PRECISION NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL,
		symbol       TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL DEFAULT '',
		decimals     INTEGER NOT NULL DEFAULT 0,
		total_supply TEXT NOT NULL DEFAULT '',
		logo_uri     TEXT NOT NULL DEFAULT '',
		interpolated BOOLEAN NOT NULL DEFAULT FALSE,
		method       TEXT NOT NULL DEFAULT '',
		confidence   DOUBLE PRECISION NOT NULL DEFAULT 0,
		data_points  JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at   TIMESTAMPTZ NOT NULL,
		archived_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		compressed   BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS archived_prices_archived_at_idx ON archived_prices (archived_at)`,

	`CREATE TABLE IF NOT EXISTS batch_jobs (
		request_id   TEXT PRIMARY KEY,
		token        TEXT NOT NULL,
		network      TEXT NOT NULL,
		start_date   TIMESTAMPTZ NOT NULL,
		end_date     TIMESTAMPTZ NOT NULL,
		status       TEXT NOT NULL DEFAULT 'queued',
		processed    INTEGER NOT NULL DEFAULT 0,
		skipped      INTEGER NOT NULL DEFAULT 0,
		errors       INTEGER NOT NULL DEFAULT 0,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		completed_at TIMESTAMPTZ
	)`,
}

func bootstrapSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
