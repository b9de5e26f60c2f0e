package reconcile_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/notify"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
)

// memJobRepo is an in-memory domain.JobRepository with the same
// compare-and-swap and refund-once semantics as the PostgreSQL
// implementation, so state machine tests exercise real race behavior.
type memJobRepo struct {
	mu        sync.Mutex
	jobs      map[string]*domain.Job
	events    map[string]map[string]bool
	artifacts map[string][]domain.Artifact
	debits    map[string]int // jobID -> amount
	refunds   map[string]int
	balances  map[string]int
}

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{
		jobs:      make(map[string]*domain.Job),
		events:    make(map[string]map[string]bool),
		artifacts: make(map[string][]domain.Artifact),
		debits:    make(map[string]int),
		refunds:   make(map[string]int),
		balances:  make(map[string]int),
	}
}

func (r *memJobRepo) seedBalance(ownerID string, balance int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[ownerID] = balance
}

func (r *memJobRepo) balance(ownerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.balances[ownerID]
}

func (r *memJobRepo) refundCount(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refunds[jobID] > 0 {
		return 1
	}
	return 0
}

func (r *memJobRepo) backdate(jobID string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		job.UpdatedAt = time.Now().UTC().Add(-age)
	}
}

func (r *memJobRepo) jobArtifacts(jobID string) []domain.Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Artifact(nil), r.artifacts[jobID]...)
}

func (r *memJobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.balances[job.OwnerID] < job.CreditsReserved {
		return domain.ErrInsufficientCredits
	}
	r.balances[job.OwnerID] -= job.CreditsReserved
	r.debits[job.ID] = job.CreditsReserved
	now := time.Now().UTC()
	stored := *job
	stored.Status = domain.JobStatusPendingSubmit
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.jobs[job.ID] = &stored
	return nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *memJobRepo) GetByExternalID(ctx context.Context, externalJobID string) (*domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.ExternalJobID == externalJobID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memJobRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []domain.Job
	for _, job := range r.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (r *memJobRepo) MarkSubmitted(ctx context.Context, jobID, externalJobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusPendingSubmit || job.ExternalJobID != "" {
		return false, nil
	}
	job.ExternalJobID = externalJobID
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *memJobRepo) ListStale(ctx context.Context, kind domain.JobKind, cutoff time.Time, limit int) ([]domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []domain.Job
	for _, job := range r.jobs {
		if job.Kind == kind && job.Status == domain.JobStatusProcessing && job.UpdatedAt.Before(cutoff) {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (r *memJobRepo) Touch(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok && job.Status == domain.JobStatusProcessing {
		job.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (r *memJobRepo) HasEventMark(ctx context.Context, jobID, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[jobID][eventID], nil
}

func (r *memJobRepo) RecordEventMark(ctx context.Context, jobID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordEventLocked(jobID, eventID)
	return nil
}

func (r *memJobRepo) recordEventLocked(jobID, eventID string) {
	if r.events[jobID] == nil {
		r.events[jobID] = make(map[string]bool)
	}
	r.events[jobID][eventID] = true
}

func (r *memJobRepo) IncrementSweepMiss(ctx context.Context, jobID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	job.SweepNotFound++
	job.UpdatedAt = time.Now().UTC()
	return job.SweepNotFound, nil
}

func (r *memJobRepo) Complete(ctx context.Context, p domain.CompleteParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[p.JobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = domain.JobStatusCompleted
	job.StorageDegraded = p.StorageDegraded
	job.CompletedAt = &now
	job.UpdatedAt = now
	r.artifacts[p.JobID] = append([]domain.Artifact(nil), p.Artifacts...)
	if p.EventID != "" {
		r.recordEventLocked(p.JobID, p.EventID)
	}
	return true, nil
}

func (r *memJobRepo) Terminate(ctx context.Context, p domain.TerminateParams) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[p.JobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing && job.Status != domain.JobStatusPendingSubmit {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = p.Status
	job.ErrorDetail = p.ErrorDetail
	job.CompletedAt = &now
	job.UpdatedAt = now
	if p.RefundAmount > 0 && r.refunds[p.JobID] == 0 {
		r.refunds[p.JobID] = p.RefundAmount
		r.balances[p.OwnerID] += p.RefundAmount
	}
	if p.EventID != "" {
		r.recordEventLocked(p.JobID, p.EventID)
	}
	return true, nil
}

func (r *memJobRepo) ListArtifacts(ctx context.Context, jobID string) ([]domain.Artifact, error) {
	return r.jobArtifacts(jobID), nil
}

var _ domain.JobRepository = (*memJobRepo)(nil)

// stubMigrator returns configurable artifacts and counts invocations.
type stubMigrator struct {
	mu sync.Mutex
	// failPositions holds source positions that stay ephemeral.
	failPositions map[int]bool
	calls         int
}

func (m *stubMigrator) Migrate(ctx context.Context, job *domain.Job, sourceURLs []string) ([]domain.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	artifacts := make([]domain.Artifact, 0, len(sourceURLs))
	for i, url := range sourceURLs {
		a := domain.Artifact{
			JobID:     job.ID,
			OwnerID:   job.OwnerID,
			Position:  i,
			SourceURL: url,
		}
		if !m.failPositions[i] {
			a.StorageKey = fmt.Sprintf("users/%s/jobs/%s/output-%02d.png", job.OwnerID, job.ID, i+1)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

func (m *stubMigrator) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, ownerID string, event notify.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) all() []notify.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Event(nil), p.events...)
}

// stubProvider is a scripted inference.Client.
type stubProvider struct {
	mu          sync.Mutex
	submitID    string
	submitErr   error
	states      map[string]*inference.JobState
	statusErr   error
	statusCalls int
}

func (p *stubProvider) SubmitJob(ctx context.Context, req inference.SubmitRequest) (string, error) {
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.submitID, nil
}

func (p *stubProvider) GetJobStatus(ctx context.Context, externalJobID string) (*inference.JobState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	if p.statusErr != nil {
		return nil, p.statusErr
	}
	state, ok := p.states[externalJobID]
	if !ok {
		return nil, inference.ErrJobNotFound
	}
	return state, nil
}

func (p *stubProvider) CancelJob(ctx context.Context, externalJobID string) error {
	return nil
}

var _ inference.Client = (*stubProvider)(nil)
