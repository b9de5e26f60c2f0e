package storage

import (
	"context"
	"time"
)

// BlobStore is the capability set the artifact migrator depends on. Every
// backend (filesystem, object storage) implements exactly this interface;
// nothing in the reconciliation core knows which one is behind it.
type BlobStore interface {
	// Upload persists data under key and returns the canonical key.
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// SignedURL returns a URL from which the blob can be fetched for at
	// least ttl.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}
