package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

// SignatureHeader carries the provider's hex HMAC-SHA256 of the raw body.
const SignatureHeader = "X-Provider-Signature"

const maxWebhookBody = 1 << 20

// ProviderWebhook ingests provider callbacks. The response code is the retry
// contract with the provider: 2xx for anything applied or safely ignorable
// (duplicates, unknown jobs), 401 for bad signatures, 5xx only for internal
// failures the provider should re-deliver.
func (a *App) ProviderWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}

	job, err := a.Ingestor.Ingest(r.Context(), body, r.Header.Get(SignatureHeader))
	switch {
	case err == nil:
		if cacheErr := a.Cache.Invalidate(r.Context(), job.OwnerID+":"+job.ID); cacheErr != nil {
			a.Logger.Warn().Err(cacheErr).Str("job_id", job.ID).Msg("job status cache invalidate failed")
		}
		a.json(w, http.StatusOK, map[string]any{"ok": true})
	case errors.Is(err, domain.ErrInvalidSignature):
		a.error(w, http.StatusUnauthorized, "invalid_signature", "signature verification failed")
	case errors.Is(err, domain.ErrNotFound):
		// Ack unknown jobs: the provider retrying will not make us know the
		// job, and unbounded retries are worse than a logged drop.
		a.Logger.Warn().Msg("webhook for unknown external job id, acknowledging")
		a.json(w, http.StatusOK, map[string]any{"ok": true, "ignored": true})
	default:
		a.Logger.Error().Err(err).Msg("webhook ingestion failed")
		a.error(w, http.StatusInternalServerError, "internal", "temporarily unable to process, please retry")
	}
}
