package domain

import (
	"context"
	"time"
)

// CompleteParams carries everything needed to finish a job in one database
// transaction: the compare-and-swap to completed, the artifact rows, and the
// idempotency mark for the triggering event (when one exists).
type CompleteParams struct {
	JobID           string
	EventID         string
	Artifacts       []Artifact
	StorageDegraded bool
}

// TerminateParams carries a failure or cancellation transition. The refund for
// the reserved credits is written in the same transaction as the status change
// and is skipped when a refund row for the job already exists.
type TerminateParams struct {
	JobID        string
	OwnerID      string
	Status       JobStatus // JobStatusFailed or JobStatusCancelled
	ErrorDetail  string
	EventID      string
	RefundAmount int
}

// JobRepository defines persistence for job entities. Complete and Terminate
// are the only writes permitted once a job is processing; both are
// compare-and-swap operations that report whether this caller won the
// transition.
type JobRepository interface {
	// Create inserts the job in pending_submit and writes the credit debit
	// for CreditsReserved in the same transaction. Returns
	// ErrInsufficientCredits when the owner's balance cannot cover it.
	Create(ctx context.Context, job *Job) error

	GetByID(ctx context.Context, id string) (*Job, error)
	GetByExternalID(ctx context.Context, externalJobID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error)

	// MarkSubmitted records the provider-assigned id and moves the job from
	// pending_submit to processing. The external id is set at most once.
	MarkSubmitted(ctx context.Context, jobID, externalJobID string) (bool, error)

	// ListStale returns processing jobs of the given kind whose updated_at is
	// older than the cutoff, oldest first.
	ListStale(ctx context.Context, kind JobKind, cutoff time.Time, limit int) ([]Job, error)

	// Touch bumps updated_at on a processing job so the sweeper does not
	// immediately re-select it after a no-op continuation.
	Touch(ctx context.Context, jobID string) error

	HasEventMark(ctx context.Context, jobID, eventID string) (bool, error)
	RecordEventMark(ctx context.Context, jobID, eventID string) error

	// IncrementSweepMiss bumps the provider-not-found counter and returns the
	// new value.
	IncrementSweepMiss(ctx context.Context, jobID string) (int, error)

	Complete(ctx context.Context, p CompleteParams) (bool, error)
	Terminate(ctx context.Context, p TerminateParams) (bool, error)

	ListArtifacts(ctx context.Context, jobID string) ([]Artifact, error)
}

// LedgerRepository defines persistence for the credit ledger. Every method
// that writes a transaction row updates the cached balance atomically with it.
type LedgerRepository interface {
	Debit(ctx context.Context, ownerID, jobID string, amount int, reason string) error
	// Refund appends a credit transaction unless one already exists for the
	// job; the boolean reports whether this call wrote the refund.
	Refund(ctx context.Context, ownerID, jobID string, amount int, reason string) (bool, error)
	HasRefund(ctx context.Context, jobID string) (bool, error)
	Balance(ctx context.Context, ownerID string) (int, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]CreditTransaction, error)
}
