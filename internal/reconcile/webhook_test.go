package reconcile_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/reconcile"
)

const webhookSecret = "test-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestIngestor(repo *memJobRepo, migrator *stubMigrator) *reconcile.WebhookIngestor {
	engine, _ := newTestEngine(repo, migrator)
	return reconcile.NewWebhookIngestor(webhookSecret, engine, zerolog.Nop())
}

func TestIngestAppliesSignedCallback(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})
	job := seedProcessingJob(t, repo, "ext-wh1")

	body := []byte(`{"event_id":"evt-1","job_id":"ext-wh1","status":"succeeded","output_urls":["https://cdn.example.com/a.png"]}`)
	updated, err := ingestor.Ingest(context.Background(), body, sign(body))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, updated.Status)
	assert.Len(t, repo.jobArtifacts(job.ID), 1)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})
	seedProcessingJob(t, repo, "ext-wh2")

	body := []byte(`{"event_id":"evt-1","job_id":"ext-wh2","status":"failed"}`)
	_, err := ingestor.Ingest(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	// Nothing applied.
	job, err := repo.GetByExternalID(context.Background(), "ext-wh2")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
}

func TestIngestRejectsTamperedBody(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})
	seedProcessingJob(t, repo, "ext-wh3")

	body := []byte(`{"event_id":"evt-1","job_id":"ext-wh3","status":"failed"}`)
	signature := sign(body)
	tampered := []byte(`{"event_id":"evt-1","job_id":"ext-wh3","status":"succeeded"}`)
	_, err := ingestor.Ingest(context.Background(), tampered, signature)
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestIngestMissingEventIDUsesFingerprint(t *testing.T) {
	repo := newMemJobRepo()
	migrator := &stubMigrator{}
	ingestor := newTestIngestor(repo, migrator)
	seedProcessingJob(t, repo, "ext-wh4")

	body := []byte(`{"job_id":"ext-wh4","status":"succeeded","output_urls":["https://cdn.example.com/a.png"]}`)
	signature := sign(body)

	// A retried identical delivery maps to the same fingerprint and no-ops.
	for i := 0; i < 2; i++ {
		_, err := ingestor.Ingest(context.Background(), body, signature)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, migrator.callCount())
}

func TestIngestUnknownJob(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})

	body := []byte(`{"event_id":"evt-1","job_id":"ext-missing","status":"succeeded"}`)
	_, err := ingestor.Ingest(context.Background(), body, sign(body))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIngestMalformedPayload(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})

	body := []byte(`{"status":`)
	_, err := ingestor.Ingest(context.Background(), body, sign(body))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestIngestMissingJobID(t *testing.T) {
	repo := newMemJobRepo()
	ingestor := newTestIngestor(repo, &stubMigrator{})

	body := []byte(`{"event_id":"evt-1","status":"succeeded"}`)
	_, err := ingestor.Ingest(context.Background(), body, sign(body))
	require.Error(t, err)
}

func TestVerifySignatureWithoutSecret(t *testing.T) {
	repo := newMemJobRepo()
	engine, _ := newTestEngine(repo, &stubMigrator{})
	ingestor := reconcile.NewWebhookIngestor("", engine, zerolog.Nop())

	assert.NoError(t, ingestor.VerifySignature([]byte("anything"), ""))
}
