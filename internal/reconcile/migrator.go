package reconcile

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
	"github.com/tiagomennab/ensaio-fotos-sub004/internal/storage"
)

const maxArtifactBytes = 256 << 20 // refuse absurd downloads

// Thumbnailer optionally derives a secondary artifact (a preview thumbnail)
// from a downloaded output. Returning ok=false means no secondary artifact
// for this source.
type Thumbnailer interface {
	Derive(data []byte, contentType string) (thumb []byte, thumbType string, ok bool)
}

// Migrator downloads ephemeral provider URLs and re-uploads them to durable
// storage under deterministic keys. Per-URL failures are isolated: one
// expired download never aborts migration of the others. Invoking Migrate
// twice for the same job is safe; already-uploaded keys are detected through
// the store and not fetched again.
type Migrator struct {
	store       storage.BlobStore
	httpClient  *http.Client
	thumbnailer Thumbnailer
	logger      zerolog.Logger
}

// NewMigrator wires a Migrator. thumbnailer may be nil.
func NewMigrator(store storage.BlobStore, httpClient *http.Client, thumbnailer Thumbnailer, logger zerolog.Logger) *Migrator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Migrator{store: store, httpClient: httpClient, thumbnailer: thumbnailer, logger: logger}
}

// Migrate copies each source URL into durable storage and returns one
// artifact per source, in order. Artifacts that could not be migrated keep an
// empty StorageKey so the caller can complete the job degraded rather than
// lose the result.
func (m *Migrator) Migrate(ctx context.Context, job *domain.Job, sourceURLs []string) ([]domain.Artifact, error) {
	artifacts := make([]domain.Artifact, 0, len(sourceURLs))
	for i, sourceURL := range sourceURLs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, m.migrateOne(ctx, job, i, sourceURL))
	}
	return artifacts, nil
}

func (m *Migrator) migrateOne(ctx context.Context, job *domain.Job, position int, sourceURL string) domain.Artifact {
	artifact := domain.Artifact{
		JobID:     job.ID,
		OwnerID:   job.OwnerID,
		Position:  position,
		SourceURL: sourceURL,
	}

	key := artifactKey(job.OwnerID, job.ID, position, extensionForURL(sourceURL, job.Kind))

	// A racing second invocation (webhook vs sweeper) finds the blob already
	// uploaded and skips the fetch; provider URLs may have expired by then.
	exists, err := m.store.Exists(ctx, key)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.ID).Str("key", key).Msg("migrate: existence check failed")
	} else if exists {
		artifact.StorageKey = key
		artifact.ThumbKey = m.existingThumbKey(ctx, job, position)
		return artifact
	}

	data, contentType, err := m.download(ctx, sourceURL)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Str("source_url", sourceURL).Msg("migrate: download failed, artifact stays ephemeral")
		return artifact
	}

	storedKey, err := m.store.Upload(ctx, key, data, contentType)
	if err != nil {
		m.logger.Error().Err(err).Str("job_id", job.ID).Str("key", key).Msg("migrate: upload failed, artifact stays ephemeral")
		return artifact
	}
	artifact.StorageKey = storedKey
	artifact.ContentType = contentType
	artifact.Bytes = int64(len(data))

	if m.thumbnailer != nil {
		if thumb, thumbType, ok := m.thumbnailer.Derive(data, contentType); ok {
			thumbKey := thumbKeyFor(job.OwnerID, job.ID, position, extensionForMIME(thumbType))
			if stored, err := m.store.Upload(ctx, thumbKey, thumb, thumbType); err != nil {
				m.logger.Warn().Err(err).Str("job_id", job.ID).Str("key", thumbKey).Msg("migrate: thumbnail upload failed")
			} else {
				artifact.ThumbKey = stored
			}
		}
	}
	return artifact
}

func (m *Migrator) existingThumbKey(ctx context.Context, job *domain.Job, position int) string {
	if m.thumbnailer == nil {
		return ""
	}
	for _, ext := range []string{".jpg", ".png"} {
		key := thumbKeyFor(job.OwnerID, job.ID, position, ext)
		if ok, err := m.store.Exists(ctx, key); err == nil && ok {
			return key
		}
	}
	return ""
}

// download fetches the bytes behind a provider URL, retrying transient
// failures a couple of times. Provider-hosted outputs expire, so a 404 or 410
// is permanent and not retried.
func (m *Migrator) download(ctx context.Context, sourceURL string) ([]byte, string, error) {
	var data []byte
	var contentType string
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := m.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
				return retry.Unrecoverable(fmt.Errorf("source expired: %d", resp.StatusCode))
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unexpected status %d", resp.StatusCode)
			}
			body, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes))
			if err != nil {
				return err
			}
			data = body
			contentType = resp.Header.Get("Content-Type")
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return data, contentType, nil
}

// artifactKey builds the deterministic durable key for one output. Keys are
// namespaced by owner and job so a second migration attempt lands on the same
// key instead of duplicating the blob.
func artifactKey(ownerID, jobID string, position int, ext string) string {
	return fmt.Sprintf("users/%s/jobs/%s/output-%02d%s", ownerID, jobID, position+1, ext)
}

func thumbKeyFor(ownerID, jobID string, position int, ext string) string {
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("users/%s/jobs/%s/thumb-%02d%s", ownerID, jobID, position+1, ext)
}

// extensionForURL guesses a file extension from the URL path, falling back to
// a sensible default for the job kind.
func extensionForURL(sourceURL string, kind domain.JobKind) string {
	ext := strings.ToLower(path.Ext(strings.SplitN(sourceURL, "?", 2)[0]))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".mp4", ".webm", ".safetensors", ".zip", ".tar":
		return ext
	}
	if kind == domain.JobKindVideo {
		return ".mp4"
	}
	return ".png"
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}
