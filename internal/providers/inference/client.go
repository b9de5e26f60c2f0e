package inference

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrJobNotFound is returned when the provider no longer recognizes an
// external job id (expired or garbage-collected on their side).
var ErrJobNotFound = errors.New("inference: job not found")

// SubmitRequest carries everything the provider needs to start a job.
type SubmitRequest struct {
	Kind       string          `json:"kind"`
	Params     json.RawMessage `json:"params"`
	WebhookURL string          `json:"webhook_url,omitempty"`
}

// JobState is the provider's view of a job, as returned by a status query or
// delivered in a webhook payload.
type JobState struct {
	Status     string   `json:"status"`
	OutputURLs []string `json:"output_urls,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Client is the contract against the external inference provider. All calls
// are network calls and honor the passed context.
type Client interface {
	SubmitJob(ctx context.Context, req SubmitRequest) (externalJobID string, err error)
	GetJobStatus(ctx context.Context, externalJobID string) (*JobState, error)
	CancelJob(ctx context.Context, externalJobID string) error
}

// Outcome is the internal classification of a provider status string.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeProcessing
	OutcomeSucceeded
	OutcomeFailed
	OutcomeCancelled
)

// MapStatus folds the provider's status vocabulary into an Outcome. Statuses
// we have never seen map to OutcomeUnknown so callers can log and continue
// rather than guess at a terminal transition.
func MapStatus(status string) Outcome {
	switch status {
	case "queued", "starting", "preprocessing", "processing", "in_progress", "running":
		return OutcomeProcessing
	case "succeeded", "success", "completed":
		return OutcomeSucceeded
	case "failed", "error":
		return OutcomeFailed
	case "canceled", "cancelled":
		return OutcomeCancelled
	default:
		return OutcomeUnknown
	}
}
