package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tokendex/pricer/internal/domain"
	"github.com/tokendex/pricer/internal/persistence"
)

// tokensRepo implements TokenRepo for PostgreSQL.
type tokensRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewTokensRepo creates a new PostgreSQL token registry repository.
func NewTokensRepo(db *sqlx.DB, timeout time.Duration) persistence.TokenRepo {
	return &tokensRepo{db: db, timeout: timeout}
}

// AddToken upserts a registry entry. COALESCE keeps a creation date that was
// already discovered; a later nil or different date never overwrites it.
func (r *tokensRepo) AddToken(ctx context.Context, token string, network domain.Network, creationDate *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO tokens (token, network, creation_date, added_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (token, network) DO UPDATE SET
			creation_date = COALESCE(tokens.creation_date, EXCLUDED.creation_date)`

	var cd interface{}
	if creationDate != nil {
		cd = creationDate.UTC()
	}
	if _, err := r.db.ExecContext(ctx, query, token, network, cd); err != nil {
		return &persistence.StoreError{Op: "add_token", Err: err}
	}
	return nil
}

func (r *tokensRepo) GetToken(ctx context.Context, token string, network domain.Network) (*persistence.TokenEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entry persistence.TokenEntry
	query := `SELECT token, network, creation_date, added_at FROM tokens WHERE token = $1 AND network = $2`
	err := r.db.GetContext(ctx, &entry, query, token, network)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &persistence.StoreError{Op: "get_token", Err: err}
	}
	return &entry, nil
}

func (r *tokensRepo) GetAllTokens(ctx context.Context) ([]persistence.TokenEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var entries []persistence.TokenEntry
	query := `SELECT token, network, creation_date, added_at FROM tokens ORDER BY added_at ASC`
	if err := r.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, &persistence.StoreError{Op: "get_all_tokens", Err: err}
	}
	return entries, nil
}
