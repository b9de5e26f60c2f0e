package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

// WebhookIngestor authenticates and parses inbound provider callbacks and
// drives the shared state machine with them.
type WebhookIngestor struct {
	secret []byte
	engine *Engine
	logger zerolog.Logger
}

// NewWebhookIngestor wires the ingestor. An empty secret disables signature
// verification; that degraded-security mode is logged loudly at startup
// rather than silently trusted.
func NewWebhookIngestor(secret string, engine *Engine, logger zerolog.Logger) *WebhookIngestor {
	if secret == "" {
		logger.Warn().Msg("webhook: no signing secret configured, accepting unauthenticated callbacks")
	}
	return &WebhookIngestor{secret: []byte(secret), engine: engine, logger: logger}
}

type webhookPayload struct {
	EventID    string   `json:"event_id"`
	JobID      string   `json:"job_id"`
	Status     string   `json:"status"`
	OutputURLs []string `json:"output_urls"`
	Error      string   `json:"error"`
}

// VerifySignature checks the hex-encoded HMAC-SHA256 of the raw request body
// in constant time. With no secret configured every signature passes.
func (w *WebhookIngestor) VerifySignature(body []byte, signature string) error {
	if len(w.secret) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, w.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Ingest verifies, parses and applies one callback. Returns
// domain.ErrInvalidSignature for authenticity failures and domain.ErrNotFound
// when the external job id is unknown; any other error is an internal failure
// the caller should surface as retryable so the provider re-delivers.
func (w *WebhookIngestor) Ingest(ctx context.Context, body []byte, signature string) (*domain.Job, error) {
	if err := w.VerifySignature(body, signature); err != nil {
		w.logger.Warn().Msg("webhook: signature verification failed")
		return nil, err
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("webhook: decode payload: %w", err)
	}
	if payload.JobID == "" {
		return nil, fmt.Errorf("webhook: payload missing job_id")
	}

	eventID := payload.EventID
	if eventID == "" {
		// Providers that send no delivery id get a computed fingerprint as a
		// best-effort idempotency key: a retried identical payload maps to
		// the same mark.
		sum := sha256.Sum256([]byte(payload.JobID + "|" + payload.Status))
		eventID = "fp-" + hex.EncodeToString(sum[:16])
	}

	return w.engine.ApplyProviderUpdate(ctx, UpdateInput{
		ExternalJobID:  payload.JobID,
		ProviderStatus: payload.Status,
		OutputURLs:     payload.OutputURLs,
		ErrorDetail:    payload.Error,
		EventID:        eventID,
	})
}
