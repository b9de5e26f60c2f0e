package handlers_test

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/credits"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/http/handlers"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/http/httpapi"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/providers/inference"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/reconcile"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/storage"
)

const testSecret = "handler-secret"

// fakeStore backs both the job repository and the credit ledger so handler
// tests run against the full request path without a database.
type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	events   map[string]bool
	refunds  map[string]int
	balances map[string]int
	history  map[string][]domain.CreditTransaction
	seq      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]*domain.Job),
		events:   make(map[string]bool),
		refunds:  make(map[string]int),
		balances: make(map[string]int),
		history:  make(map[string][]domain.CreditTransaction),
	}
}

func (s *fakeStore) Create(ctx context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[job.OwnerID] < job.CreditsReserved {
		return domain.ErrInsufficientCredits
	}
	s.balances[job.OwnerID] -= job.CreditsReserved
	now := time.Now().UTC()
	stored := *job
	stored.Status = domain.JobStatusPendingSubmit
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.jobs[job.ID] = &stored
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) GetByExternalID(ctx context.Context, externalJobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ExternalJobID == externalJobID {
			cp := *job
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeStore) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []domain.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (s *fakeStore) MarkSubmitted(ctx context.Context, jobID, externalJobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status != domain.JobStatusPendingSubmit {
		return false, nil
	}
	job.ExternalJobID = externalJobID
	job.Status = domain.JobStatusProcessing
	job.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *fakeStore) ListStale(ctx context.Context, kind domain.JobKind, cutoff time.Time, limit int) ([]domain.Job, error) {
	return nil, nil
}

func (s *fakeStore) Touch(ctx context.Context, jobID string) error {
	return nil
}

func (s *fakeStore) HasEventMark(ctx context.Context, jobID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[jobID+"/"+eventID], nil
}

func (s *fakeStore) RecordEventMark(ctx context.Context, jobID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[jobID+"/"+eventID] = true
	return nil
}

func (s *fakeStore) IncrementSweepMiss(ctx context.Context, jobID string) (int, error) {
	return 0, nil
}

func (s *fakeStore) Complete(ctx context.Context, p domain.CompleteParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[p.JobID]
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
	if p.EventID != "" {
		s.events[p.JobID+"/"+p.EventID] = true
	}
	return true, nil
}

func (s *fakeStore) Terminate(ctx context.Context, p domain.TerminateParams) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[p.JobID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = p.Status
	job.ErrorDetail = p.ErrorDetail
	job.CompletedAt = &now
	job.UpdatedAt = now
	if p.RefundAmount > 0 && s.refunds[p.JobID] == 0 {
		s.refunds[p.JobID] = p.RefundAmount
		s.balances[job.OwnerID] += p.RefundAmount
	}
	if p.EventID != "" {
		s.events[p.JobID+"/"+p.EventID] = true
	}
	return true, nil
}

func (s *fakeStore) ListArtifacts(ctx context.Context, jobID string) ([]domain.Artifact, error) {
	return nil, nil
}

func (s *fakeStore) Debit(ctx context.Context, ownerID, jobID string, amount int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.balances[ownerID] < amount {
		return domain.ErrInsufficientCredits
	}
	s.balances[ownerID] -= amount
	return nil
}

func (s *fakeStore) Refund(ctx context.Context, ownerID, jobID string, amount int, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refunds[jobID] > 0 {
		return false, nil
	}
	s.refunds[jobID] = amount
	s.balances[ownerID] += amount
	return true, nil
}

func (s *fakeStore) HasRefund(ctx context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refunds[jobID] > 0, nil
}

func (s *fakeStore) Balance(ctx context.Context, ownerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[ownerID], nil
}

func (s *fakeStore) ListByOwnerLedger(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	return s.history[ownerID], nil
}

var (
	_ domain.JobRepository = (*fakeStore)(nil)
)

// ledgerView adapts fakeStore to domain.LedgerRepository; ListByOwner clashes
// with the job repository method set, hence the wrapper.
type ledgerView struct{ *fakeStore }

func (v ledgerView) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.CreditTransaction, error) {
	return v.ListByOwnerLedger(ctx, ownerID, limit)
}

var _ domain.LedgerRepository = ledgerView{}

type fakeProvider struct {
	submitID  string
	submitErr error
}

func (p *fakeProvider) SubmitJob(ctx context.Context, req inference.SubmitRequest) (string, error) {
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.submitID, nil
}

func (p *fakeProvider) GetJobStatus(ctx context.Context, externalJobID string) (*inference.JobState, error) {
	return nil, inference.ErrJobNotFound
}

func (p *fakeProvider) CancelJob(ctx context.Context, externalJobID string) error {
	return nil
}

type noMigrator struct{}

func (noMigrator) Migrate(ctx context.Context, job *domain.Job, sourceURLs []string) ([]domain.Artifact, error) {
	artifacts := make([]domain.Artifact, 0, len(sourceURLs))
	for i, url := range sourceURLs {
		artifacts = append(artifacts, domain.Artifact{
			JobID:      job.ID,
			OwnerID:    job.OwnerID,
			Position:   i,
			SourceURL:  url,
			StorageKey: fmt.Sprintf("users/%s/jobs/%s/output-%02d.png", job.OwnerID, job.ID, i+1),
		})
	}
	return artifacts, nil
}

func newTestServer(t *testing.T, store *fakeStore, provider *fakeProvider) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	engine := reconcile.NewEngine(store, noMigrator{}, nil, logger)
	sweeper := reconcile.NewSweeper(store, provider, engine, reconcile.SweeperConfig{RatePerSecond: 1000}, logger)
	service := reconcile.NewService(store, provider, sweeper, storage.NewMemoryStore(), time.Hour, "", logger)
	ingestor := reconcile.NewWebhookIngestor(testSecret, engine, logger)
	ledger := credits.NewLedger(ledgerView{store}, logger)

	app := handlers.NewApp(service, ingestor, ledger, nil, logger)
	srv := httptest.NewServer(httpapi.NewRouter(app, logger, ""))
	t.Cleanup(srv.Close)
	return srv
}

func seedJob(t *testing.T, store *fakeStore, ownerID, externalID string) *domain.Job {
	t.Helper()
	store.balances[ownerID] += 100
	job := &domain.Job{
		ID:              "job-" + externalID,
		OwnerID:         ownerID,
		Kind:            domain.JobKindGeneration,
		CreditsReserved: 20,
	}
	require.NoError(t, store.Create(context.Background(), job))
	won, err := store.MarkSubmitted(context.Background(), job.ID, externalID)
	require.NoError(t, err)
	require.True(t, won)
	return job
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func doJSON(t *testing.T, method, url, userID string, body []byte) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestJobCreateAccepted(t *testing.T) {
	store := newFakeStore()
	store.balances["user-1"] = 100
	srv := newTestServer(t, store, &fakeProvider{submitID: "ext-1"})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "user-1",
		[]byte(`{"kind":"generation","params":{"prompt":"a cat"},"credits_required":20}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, float64(20), body["credits_reserved"])
}

func TestJobCreateInsufficientCredits(t *testing.T) {
	store := newFakeStore()
	store.balances["user-1"] = 5
	srv := newTestServer(t, store, &fakeProvider{submitID: "ext-1"})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "user-1",
		[]byte(`{"kind":"generation","credits_required":20}`))
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "insufficient_credits", body["error"])
}

func TestJobCreateProviderDown(t *testing.T) {
	store := newFakeStore()
	store.balances["user-1"] = 100
	srv := newTestServer(t, store, &fakeProvider{submitErr: errors.New("boom")})

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "user-1",
		[]byte(`{"kind":"generation","credits_required":20}`))
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "provider_failure", body["error"])

	// The debit was rolled back through the refund path.
	balance, err := store.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
}

func TestJobCreateUnauthorized(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeProvider{})
	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/v1/jobs", "",
		[]byte(`{"kind":"generation","credits_required":20}`))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJobStatusOwnership(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeProvider{})
	job := seedJob(t, store, "user-1", "ext-s1")

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", body["status"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, "user-2", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/v1/jobs/nope", "user-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProviderWebhookHappyPath(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeProvider{})
	job := seedJob(t, store, "user-1", "ext-wh1")

	payload := []byte(`{"event_id":"evt-1","job_id":"ext-wh1","status":"succeeded","output_urls":["https://cdn.example.com/a.png"]}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/inference", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(handlers.SignatureHeader, signBody(payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	updated, err := store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, updated.Status)
}

func TestProviderWebhookBadSignature(t *testing.T) {
	store := newFakeStore()
	srv := newTestServer(t, store, &fakeProvider{})
	seedJob(t, store, "user-1", "ext-wh2")

	payload := []byte(`{"event_id":"evt-1","job_id":"ext-wh2","status":"failed"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/inference", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(handlers.SignatureHeader, "not-a-signature")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProviderWebhookUnknownJobAcked(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeProvider{})

	payload := []byte(`{"event_id":"evt-1","job_id":"ext-missing","status":"succeeded"}`)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/inference", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set(handlers.SignatureHeader, signBody(payload))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ignored"])
}

func TestCreditsBalance(t *testing.T) {
	store := newFakeStore()
	store.balances["user-1"] = 42
	srv := newTestServer(t, store, &fakeProvider{})

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/v1/credits/balance", "user-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(42), body["balance"])
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, newFakeStore(), &fakeProvider{})
	resp, err := http.Get(srv.URL + "/v1/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
