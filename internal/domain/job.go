package domain

import "time"

// JobKind enumerates the categories of work submitted to the inference provider.
type JobKind string

const (
	JobKindGeneration JobKind = "generation"
	JobKindTraining   JobKind = "training"
	JobKindVideo      JobKind = "video"
)

// JobStatus enumerates job lifecycle states. The set is closed: every switch
// over JobStatus handles all five values explicitly.
type JobStatus string

const (
	JobStatusPendingSubmit JobStatus = "pending_submit"
	JobStatusProcessing    JobStatus = "processing"
	JobStatusCompleted     JobStatus = "completed"
	JobStatusFailed        JobStatus = "failed"
	JobStatusCancelled     JobStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	case JobStatusPendingSubmit, JobStatusProcessing:
		return false
	}
	return false
}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPendingSubmit: {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing:    {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether moving from s to next is a legal transition.
// Terminal states are sticky: nothing transitions out of them.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job encapsulates the lifecycle of one unit of provider work: an image
// generation, a model training run, or a video generation. It is mutated only
// by the reconciliation engine once submitted.
type Job struct {
	ID              string
	ExternalJobID   string // provider-assigned, set at most once
	OwnerID         string
	Kind            JobKind
	Status          JobStatus
	CreditsReserved int
	ParamsJSON      []byte
	ErrorDetail     string
	StorageDegraded bool
	SweepNotFound   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}
