package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/storage"
)

// ArtifactView is the user-facing shape of one job output: a fetchable URL,
// durable when migration succeeded, the provider's expiring URL otherwise.
type ArtifactView struct {
	Position    int    `json:"position"`
	URL         string `json:"url"`
	ThumbURL    string `json:"thumb_url,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Durable     bool   `json:"durable"`
}

// Service is the collaborator-facing surface of the reconciliation core: job
// creation (with debit and submission), reads, and user-initiated force-sync.
type Service struct {
	jobs       domain.JobRepository
	provider   inference.Client
	sweeper    *Sweeper
	store      storage.BlobStore
	signedTTL  time.Duration
	webhookURL string
	logger     zerolog.Logger
}

// NewService wires the Service. webhookURL is the public callback address
// handed to the provider at submission time.
func NewService(jobs domain.JobRepository, provider inference.Client, sweeper *Sweeper, store storage.BlobStore, signedTTL time.Duration, webhookURL string, logger zerolog.Logger) *Service {
	if signedTTL <= 0 {
		signedTTL = time.Hour
	}
	return &Service{
		jobs:       jobs,
		provider:   provider,
		sweeper:    sweeper,
		store:      store,
		signedTTL:  signedTTL,
		webhookURL: webhookURL,
		logger:     logger,
	}
}

// CreateJob records the job with its credit debit, submits it to the
// provider, and moves it to processing. The debit is written in the same
// database transaction as the job row; a failed submission terminates the job
// immediately and the refund flows through the regular terminal path.
func (s *Service) CreateJob(ctx context.Context, ownerID string, kind domain.JobKind, params json.RawMessage, creditsRequired int) (*domain.Job, error) {
	switch kind {
	case domain.JobKindGeneration, domain.JobKindTraining, domain.JobKindVideo:
	default:
		return nil, fmt.Errorf("reconcile: unsupported job kind %q", kind)
	}
	if creditsRequired <= 0 {
		return nil, fmt.Errorf("reconcile: credits required must be positive, got %d", creditsRequired)
	}

	job := &domain.Job{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Kind:            kind,
		Status:          domain.JobStatusPendingSubmit,
		CreditsReserved: creditsRequired,
		ParamsJSON:      params,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("reconcile: create job: %w", err)
	}

	externalID, err := s.provider.SubmitJob(ctx, inference.SubmitRequest{
		Kind:       string(kind),
		Params:     params,
		WebhookURL: s.webhookURL,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("submit to provider failed, refunding")
		if _, termErr := s.jobs.Terminate(ctx, domain.TerminateParams{
			JobID:        job.ID,
			OwnerID:      ownerID,
			Status:       domain.JobStatusFailed,
			ErrorDetail:  "submission to provider failed",
			RefundAmount: creditsRequired,
		}); termErr != nil {
			s.logger.Error().Err(termErr).Str("job_id", job.ID).Msg("terminate after failed submit also failed")
		}
		return nil, fmt.Errorf("reconcile: submit job: %w", domain.ErrProviderFailure)
	}

	if _, err := s.jobs.MarkSubmitted(ctx, job.ID, externalID); err != nil {
		return nil, fmt.Errorf("reconcile: mark submitted: %w", err)
	}
	s.logger.Info().Str("job_id", job.ID).Str("external_job_id", externalID).Str("kind", string(kind)).Msg("job submitted")
	return s.jobs.GetByID(ctx, job.ID)
}

// GetJob returns a job after checking the requester owns it.
func (s *Service) GetJob(ctx context.Context, jobID, requestingOwnerID string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requestingOwnerID {
		return nil, domain.ErrForbidden
	}
	return job, nil
}

// ListJobs returns the owner's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.jobs.ListByOwner(ctx, ownerID, limit, offset)
}

// ForceSync is the user-initiated single-job sweep: look the job up by
// internal or external id, check ownership, and reconcile it against the
// provider right now.
func (s *Service) ForceSync(ctx context.Context, jobRef, requestingOwnerID string) (*domain.Job, error) {
	job, err := s.jobs.GetByID(ctx, jobRef)
	if err != nil {
		job, err = s.jobs.GetByExternalID(ctx, jobRef)
	}
	if err != nil {
		return nil, err
	}
	if job.OwnerID != requestingOwnerID {
		return nil, domain.ErrForbidden
	}
	if job.Status.Terminal() || job.Status == domain.JobStatusPendingSubmit {
		return job, nil
	}
	return s.sweeper.SyncJob(ctx, job)
}

// ListArtifacts returns fetchable views of a job's outputs. Durable artifacts
// get signed storage URLs; degraded ones fall back to the provider's
// ephemeral URL so the user still sees their result.
func (s *Service) ListArtifacts(ctx context.Context, jobID, requestingOwnerID string) ([]ArtifactView, error) {
	job, err := s.GetJob(ctx, jobID, requestingOwnerID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.jobs.ListArtifacts(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reconcile: list artifacts: %w", err)
	}

	views := make([]ArtifactView, 0, len(artifacts))
	for _, a := range artifacts {
		view := ArtifactView{
			Position:    a.Position,
			ContentType: a.ContentType,
			Durable:     a.Durable(),
		}
		if a.Durable() {
			url, err := s.store.SignedURL(ctx, a.StorageKey, s.signedTTL)
			if err != nil {
				s.logger.Warn().Err(err).Str("job_id", job.ID).Str("key", a.StorageKey).Msg("sign artifact url failed")
				continue
			}
			view.URL = url
			if a.ThumbKey != "" {
				if thumbURL, err := s.store.SignedURL(ctx, a.ThumbKey, s.signedTTL); err == nil {
					view.ThumbURL = thumbURL
				}
			}
		} else {
			view.URL = a.SourceURL
		}
		views = append(views, view)
	}
	return views, nil
}
