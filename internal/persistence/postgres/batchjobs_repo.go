package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tokendex/pricer/internal/persistence"
)

// batchJobsRepo implements BatchJobRepo for PostgreSQL.
type batchJobsRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewBatchJobsRepo creates a new PostgreSQL batch-job repository.
func NewBatchJobsRepo(db *sqlx.DB, timeout time.Duration) persistence.BatchJobRepo {
	return &batchJobsRepo{db: db, timeout: timeout}
}

func (r *batchJobsRepo) Create(ctx context.Context, job *persistence.BatchJobRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO batch_jobs (request_id, token, network, start_date, end_date, status, created_at)
		VALUES ($1, $2, $3, $4, $5, 'queued', NOW())`

	if _, err := r.db.ExecContext(ctx, query,
		job.RequestID, job.Token, job.Network, job.StartDate.UTC(), job.EndDate.UTC()); err != nil {
		return &persistence.StoreError{Op: "create_batch_job", Err: err}
	}
	return nil
}

func (r *batchJobsRepo) Complete(ctx context.Context, requestID string, processed, skipped, errCount int, failed bool) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	status := "completed"
	if failed {
		status = "failed"
	}
	query := `
		UPDATE batch_jobs
		SET status = $2, processed = $3, skipped = $4, errors = $5, completed_at = NOW()
		WHERE request_id = $1`

	if _, err := r.db.ExecContext(ctx, query, requestID, status, processed, skipped, errCount); err != nil {
		return &persistence.StoreError{Op: "complete_batch_job", Err: err}
	}
	return nil
}

func (r *batchJobsRepo) Get(ctx context.Context, requestID string) (*persistence.BatchJobRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var job persistence.BatchJobRecord
	query := `
		SELECT request_id, token, network, start_date, end_date, status, processed,
			skipped, errors, created_at, completed_at
		FROM batch_jobs WHERE request_id = $1`

	err := r.db.GetContext(ctx, &job, query, requestID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &persistence.StoreError{Op: "get_batch_job", Err: err}
	}
	return &job, nil
}
