package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository over PostgreSQL. Terminal
// transitions are compare-and-swap updates keyed on the expected pre-state;
// the artifact rows, the refund, and the idempotency mark ride in the same
// transaction, so a reader never sees a completed job without its artifacts
// or a refund without its terminal status.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `
id, external_job_id, owner_id, kind, status, credits_reserved, params_json,
error_detail, storage_degraded, sweep_not_found, created_at, updated_at, completed_at`

// Create inserts the job in pending_submit and writes the credit debit for
// CreditsReserved in the same transaction.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO jobs (id, owner_id, kind, status, credits_reserved, params_json)
VALUES ($1, $2, $3, $4, $5, $6);
`, job.ID, job.OwnerID, job.Kind, domain.JobStatusPendingSubmit, job.CreditsReserved, nullableBytes(job.ParamsJSON))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if err := debitTx(ctx, tx, job.OwnerID, job.ID, job.CreditsReserved, "job reservation"); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// GetByID fetches a job by its internal identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, id)
	return scanJob(row)
}

// GetByExternalID fetches a job by the provider-assigned identifier.
func (r *JobRepositoryPG) GetByExternalID(ctx context.Context, externalJobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE external_job_id = $1;`, externalJobID)
	return scanJob(row)
}

// ListByOwner returns the owner's jobs, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3;
`, ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkSubmitted records the external id and moves pending_submit to
// processing. The external id column is only writable while it is NULL, so it
// is set at most once.
func (r *JobRepositoryPG) MarkSubmitted(ctx context.Context, jobID, externalJobID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE jobs
SET external_job_id = $2, status = $3, updated_at = NOW()
WHERE id = $1 AND status = $4 AND external_job_id IS NULL;
`, jobID, externalJobID, domain.JobStatusProcessing, domain.JobStatusPendingSubmit)
	if err != nil {
		return false, fmt.Errorf("mark submitted: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListStale returns processing jobs of the given kind not updated since
// cutoff, oldest first.
func (r *JobRepositoryPG) ListStale(ctx context.Context, kind domain.JobKind, cutoff time.Time, limit int) ([]domain.Job, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+jobColumns+`
FROM jobs
WHERE status = $1 AND kind = $2 AND updated_at < $3
ORDER BY updated_at ASC
LIMIT $4;
`, domain.JobStatusProcessing, kind, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Touch bumps updated_at on a still-processing job.
func (r *JobRepositoryPG) Touch(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `
UPDATE jobs SET updated_at = NOW() WHERE id = $1 AND status = $2;
`, jobID, domain.JobStatusProcessing)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// HasEventMark reports whether the event id has already been applied to the job.
func (r *JobRepositoryPG) HasEventMark(ctx context.Context, jobID, eventID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM job_events WHERE job_id = $1 AND event_id = $2);
`, jobID, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check event mark: %w", err)
	}
	return exists, nil
}

// RecordEventMark stores the idempotency mark. Re-recording is a no-op.
func (r *JobRepositoryPG) RecordEventMark(ctx context.Context, jobID, eventID string) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO job_events (job_id, event_id) VALUES ($1, $2)
ON CONFLICT (job_id, event_id) DO NOTHING;
`, jobID, eventID)
	if err != nil {
		return fmt.Errorf("record event mark: %w", err)
	}
	return nil
}

// IncrementSweepMiss bumps the provider-not-found counter and updated_at so
// the sweeper waits a full staleness window before asking again.
func (r *JobRepositoryPG) IncrementSweepMiss(ctx context.Context, jobID string) (int, error) {
	var misses int
	err := r.pool.QueryRow(ctx, `
UPDATE jobs SET sweep_not_found = sweep_not_found + 1, updated_at = NOW()
WHERE id = $1
RETURNING sweep_not_found;
`, jobID).Scan(&misses)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("increment sweep miss: %w", err)
	}
	return misses, nil
}

// Complete flips processing to completed and writes the artifact rows and the
// event mark in one transaction. Returns false without mutating anything when
// the job was no longer processing (a concurrent caller won).
func (r *JobRepositoryPG) Complete(ctx context.Context, p domain.CompleteParams) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE jobs
SET status = $2, storage_degraded = $3, completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status = $4;
`, p.JobID, domain.JobStatusCompleted, p.StorageDegraded, domain.JobStatusProcessing)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	for _, a := range p.Artifacts {
		_, err := tx.Exec(ctx, `
INSERT INTO artifacts (id, job_id, owner_id, position, source_url, storage_key, thumb_key, content_type, bytes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (job_id, position) DO NOTHING;
`, uuid.NewString(), a.JobID, a.OwnerID, a.Position, a.SourceURL, a.StorageKey, a.ThumbKey, a.ContentType, a.Bytes)
		if err != nil {
			return false, fmt.Errorf("insert artifact: %w", err)
		}
	}

	if p.EventID != "" {
		if err := recordEventMarkTx(ctx, tx, p.JobID, p.EventID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// Terminate flips the job to failed or cancelled and writes the refund and
// the event mark in the same transaction. The refund insert is guarded by a
// refund-absence check, so a job refunded through a racing channel is not
// refunded twice. Returns false when the CAS loses.
func (r *JobRepositoryPG) Terminate(ctx context.Context, p domain.TerminateParams) (bool, error) {
	if p.Status != domain.JobStatusFailed && p.Status != domain.JobStatusCancelled {
		return false, fmt.Errorf("terminate: %q is not a terminal failure status", p.Status)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE jobs
SET status = $2, error_detail = $3, completed_at = NOW(), updated_at = NOW()
WHERE id = $1 AND status IN ($4, $5);
`, p.JobID, p.Status, p.ErrorDetail, domain.JobStatusProcessing, domain.JobStatusPendingSubmit)
	if err != nil {
		return false, fmt.Errorf("terminate job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if p.RefundAmount > 0 {
		if _, err := refundTx(ctx, tx, p.OwnerID, p.JobID, p.RefundAmount, "job refund"); err != nil {
			return false, err
		}
	}

	if p.EventID != "" {
		if err := recordEventMarkTx(ctx, tx, p.JobID, p.EventID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

// ListArtifacts returns a job's artifacts ordered by position.
func (r *JobRepositoryPG) ListArtifacts(ctx context.Context, jobID string) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, job_id, owner_id, position, source_url, storage_key, thumb_key, content_type, bytes, created_at
FROM artifacts
WHERE job_id = $1
ORDER BY position ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.ID, &a.JobID, &a.OwnerID, &a.Position, &a.SourceURL, &a.StorageKey, &a.ThumbKey, &a.ContentType, &a.Bytes, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func recordEventMarkTx(ctx context.Context, tx pgx.Tx, jobID, eventID string) error {
	_, err := tx.Exec(ctx, `
INSERT INTO job_events (job_id, event_id) VALUES ($1, $2)
ON CONFLICT (job_id, event_id) DO NOTHING;
`, jobID, eventID)
	if err != nil {
		return fmt.Errorf("record event mark: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	var externalID, errorDetail *string
	if err := row.Scan(
		&job.ID,
		&externalID,
		&job.OwnerID,
		&job.Kind,
		&job.Status,
		&job.CreditsReserved,
		&job.ParamsJSON,
		&errorDetail,
		&job.StorageDegraded,
		&job.SweepNotFound,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if externalID != nil {
		job.ExternalJobID = *externalID
	}
	if errorDetail != nil {
		job.ErrorDetail = *errorDetail
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.Job, error) {
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
