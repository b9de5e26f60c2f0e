package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory BlobStore used by tests. It counts uploads so
// tests can assert how many storage writes a code path produced.
type MemoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	uploads int

	// FailKeys makes Upload return an error for the listed keys.
	FailKeys map[string]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailKeys[key] {
		return "", fmt.Errorf("storage: upload %s: simulated failure", key)
	}
	s.blobs[key] = append([]byte(nil), data...)
	s.uploads++
	return key, nil
}

func (s *MemoryStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "memory://" + key, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

// Get returns a stored blob.
func (s *MemoryStore) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok
}

// UploadCount reports how many successful uploads have happened.
func (s *MemoryStore) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

var _ BlobStore = (*MemoryStore)(nil)
