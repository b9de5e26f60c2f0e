package domain

import "time"

// Artifact represents one output file belonging to a completed job. StorageKey
// is empty when the file could not be migrated off the provider; in that case
// SourceURL is the (expiring) provider-hosted location and the owning job
// carries the storage-degraded flag.
type Artifact struct {
	ID          string
	JobID       string
	OwnerID     string
	Position    int
	SourceURL   string
	StorageKey  string
	ThumbKey    string
	ContentType string
	Bytes       int64
	CreatedAt   time.Time
}

// Durable reports whether the artifact lives in our own storage.
func (a Artifact) Durable() bool {
	return a.StorageKey != ""
}
