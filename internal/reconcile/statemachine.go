package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/notify"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
)

// ArtifactMigrator copies provider-hosted outputs into durable storage. The
// returned slice is aligned 1:1 with sourceURLs; entries that could not be
// migrated carry an empty StorageKey and keep their ephemeral SourceURL.
type ArtifactMigrator interface {
	Migrate(ctx context.Context, job *domain.Job, sourceURLs []string) ([]domain.Artifact, error)
}

// UpdateInput is one observation of a job's provider-side state, delivered by
// either the webhook ingestor or the sweeper. EventID is set only on webhook
// deliveries; sweeper observations are idempotent by construction.
type UpdateInput struct {
	JobID          string // internal id, set by sweeper-initiated calls
	ExternalJobID  string
	ProviderStatus string
	OutputURLs     []string
	ErrorDetail    string
	EventID        string
}

// Engine is the shared job state machine. Both reconciliation channels call
// ApplyProviderUpdate; per-job serialization comes from compare-and-swap
// writes in the repository, not from in-process locking, so concurrent
// callers in different processes are safe.
type Engine struct {
	jobs      domain.JobRepository
	migrator  ArtifactMigrator
	publisher notify.Publisher
	logger    zerolog.Logger
}

// NewEngine wires the state machine.
func NewEngine(jobs domain.JobRepository, migrator ArtifactMigrator, publisher notify.Publisher, logger zerolog.Logger) *Engine {
	return &Engine{jobs: jobs, migrator: migrator, publisher: publisher, logger: logger}
}

// ApplyProviderUpdate drives the job state machine from one provider
// observation. It is safe under duplicate delivery and under concurrent
// invocation for the same job: duplicates short-circuit on the recorded event
// mark or on the already-terminal status, and racing terminal writers are
// serialized by the repository so exactly one wins.
func (e *Engine) ApplyProviderUpdate(ctx context.Context, in UpdateInput) (*domain.Job, error) {
	job, err := e.lookup(ctx, in)
	if err != nil {
		return nil, err
	}

	log := e.logger.With().
		Str("job_id", job.ID).
		Str("external_job_id", job.ExternalJobID).
		Str("event_id", in.EventID).
		Logger()

	if in.EventID != "" {
		seen, err := e.jobs.HasEventMark(ctx, job.ID, in.EventID)
		if err != nil {
			return nil, fmt.Errorf("reconcile: check event mark: %w", err)
		}
		if seen {
			log.Debug().Msg("reconcile: event already applied, skipping")
			return job, nil
		}
	}

	if job.Status.Terminal() {
		log.Debug().Str("status", string(job.Status)).Msg("reconcile: job already terminal, skipping")
		return job, nil
	}

	switch inference.MapStatus(in.ProviderStatus) {
	case inference.OutcomeProcessing:
		return e.applyContinuation(ctx, job, in.EventID)
	case inference.OutcomeUnknown:
		log.Warn().Str("provider_status", in.ProviderStatus).Msg("reconcile: unrecognized provider status, treating as continuation")
		return e.applyContinuation(ctx, job, "")
	case inference.OutcomeSucceeded:
		return e.applySuccess(ctx, job, in, log)
	case inference.OutcomeFailed:
		return e.applyTerminal(ctx, job, domain.JobStatusFailed, in.ErrorDetail, in.EventID, log)
	case inference.OutcomeCancelled:
		return e.applyTerminal(ctx, job, domain.JobStatusCancelled, in.ErrorDetail, in.EventID, log)
	}
	return job, nil
}

func (e *Engine) lookup(ctx context.Context, in UpdateInput) (*domain.Job, error) {
	if in.ExternalJobID != "" {
		job, err := e.jobs.GetByExternalID(ctx, in.ExternalJobID)
		if err == nil {
			return job, nil
		}
		if in.JobID == "" {
			return nil, err
		}
	}
	if in.JobID == "" {
		return nil, domain.ErrNotFound
	}
	return e.jobs.GetByID(ctx, in.JobID)
}

// applyContinuation handles a non-terminal observation: bump updated_at so the
// sweeper backs off, and record the event mark so a retried delivery of the
// same webhook no-ops.
func (e *Engine) applyContinuation(ctx context.Context, job *domain.Job, eventID string) (*domain.Job, error) {
	if err := e.jobs.Touch(ctx, job.ID); err != nil {
		return nil, fmt.Errorf("reconcile: touch job: %w", err)
	}
	if eventID != "" {
		if err := e.jobs.RecordEventMark(ctx, job.ID, eventID); err != nil {
			return nil, fmt.Errorf("reconcile: record event mark: %w", err)
		}
	}
	return e.jobs.GetByID(ctx, job.ID)
}

// applySuccess migrates the outputs and completes the job. Migration happens
// before any row is locked: the terminal transaction only writes data that is
// already in hand. A storage failure never fails a successful generation; the
// job completes degraded, serving the provider's ephemeral URLs instead.
func (e *Engine) applySuccess(ctx context.Context, job *domain.Job, in UpdateInput, log zerolog.Logger) (*domain.Job, error) {
	artifacts, err := e.migrator.Migrate(ctx, job, in.OutputURLs)
	if err != nil {
		return nil, fmt.Errorf("reconcile: migrate artifacts: %w", err)
	}

	degraded := false
	migrated := 0
	for _, a := range artifacts {
		if a.Durable() {
			migrated++
		} else {
			degraded = true
		}
	}
	if degraded {
		log.Warn().
			Int("migrated", migrated).
			Int("total", len(artifacts)).
			Msg("reconcile: artifact migration incomplete, completing degraded")
	}

	won, err := e.jobs.Complete(ctx, domain.CompleteParams{
		JobID:           job.ID,
		EventID:         in.EventID,
		Artifacts:       artifacts,
		StorageDegraded: degraded,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: complete job: %w", err)
	}
	if !won {
		log.Debug().Msg("reconcile: lost completion race, another channel finished the job")
		return e.jobs.GetByID(ctx, job.ID)
	}

	e.publish(ctx, job, domain.JobStatusCompleted, "")
	return e.jobs.GetByID(ctx, job.ID)
}

// applyTerminal handles failure and cancellation identically: status flip plus
// refund of the reserved credits, in one repository transaction.
func (e *Engine) applyTerminal(ctx context.Context, job *domain.Job, status domain.JobStatus, errorDetail, eventID string, log zerolog.Logger) (*domain.Job, error) {
	if errorDetail == "" && status == domain.JobStatusFailed {
		errorDetail = "provider reported failure"
	}
	won, err := e.jobs.Terminate(ctx, domain.TerminateParams{
		JobID:        job.ID,
		OwnerID:      job.OwnerID,
		Status:       status,
		ErrorDetail:  errorDetail,
		EventID:      eventID,
		RefundAmount: job.CreditsReserved,
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: terminate job: %w", err)
	}
	if !won {
		log.Debug().Str("status", string(status)).Msg("reconcile: lost terminal race, skipping")
		return e.jobs.GetByID(ctx, job.ID)
	}

	log.Info().Str("status", string(status)).Int("refunded", job.CreditsReserved).Msg("reconcile: job terminated, credits refunded")
	e.publish(ctx, job, status, errorDetail)
	return e.jobs.GetByID(ctx, job.ID)
}

// publish fans the transition out. Best-effort only: fan-out errors must never
// affect the transaction that already committed.
func (e *Engine) publish(ctx context.Context, job *domain.Job, status domain.JobStatus, errorDetail string) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(ctx, job.OwnerID, notify.Event{
		JobID:       job.ID,
		Kind:        string(job.Kind),
		Status:      string(status),
		ErrorDetail: errorDetail,
		OccurredAt:  time.Now().UTC(),
	})
}
