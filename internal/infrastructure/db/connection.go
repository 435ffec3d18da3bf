package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/tokendex/pricer/internal/persistence"
	"github.com/tokendex/pricer/internal/persistence/postgres"
)

// Manager owns the database connection pool and repository instances.
type Manager struct {
	db     *sqlx.DB
	config Config
	repos  *persistence.Repository
}

// NewManager opens the connection pool, verifies connectivity, applies the
// schema and wires the repositories.
func NewManager(config Config) (*Manager, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := bootstrapSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	repos := &persistence.Repository{
		Prices:    postgres.NewPricesRepo(db, config.QueryTimeout),
		Tokens:    postgres.NewTokensRepo(db, config.QueryTimeout),
		Stats:     postgres.NewStatsRepo(db, config.QueryTimeout),
		BatchJobs: postgres.NewBatchJobsRepo(db, config.QueryTimeout),
	}

	return &Manager{db: db, config: config, repos: repos}, nil
}

// Repository returns the repository collection.
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// DB returns the underlying connection pool.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Ping tests basic connectivity.
func (m *Manager) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, m.config.QueryTimeout)
	defer cancel()
	return m.db.PingContext(pingCtx)
}

// Stats returns connection pool statistics.
func (m *Manager) Stats() map[string]interface{} {
	stats := m.db.Stats()
	return map[string]interface{}{
		"max_open_connections": stats.MaxOpenConnections,
		"open_connections":     stats.OpenConnections,
		"in_use":               stats.InUse,
		"idle":                 stats.Idle,
		"wait_count":           stats.WaitCount,
		"wait_duration_ms":     stats.WaitDuration.Milliseconds(),
	}
}

// Close closes the connection pool.
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}
