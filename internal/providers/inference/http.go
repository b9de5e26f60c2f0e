package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
)

// Options controls how the HTTP client is configured.
type Options struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// HTTPClient talks to the provider's REST API. Status queries retry on
// transient failures (network errors, 5xx); submissions do not, because a
// retried submit could start a second paid job.
type HTTPClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient builds an HTTPClient from opts.
func NewHTTPClient(opts Options) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("inference: base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiToken:   opts.APIToken,
		httpClient: httpClient,
		logger:     opts.Logger,
	}, nil
}

type submitResponse struct {
	ID string `json:"id"`
}

type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("inference: provider returned %d: %s", e.status, e.body)
}

func (e *apiError) transient() bool {
	return e.status >= 500 || e.status == http.StatusTooManyRequests
}

// SubmitJob starts a job on the provider and returns its external id.
func (c *HTTPClient) SubmitJob(ctx context.Context, req SubmitRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("inference: encode submit request: %w", err)
	}
	var resp submitResponse
	if err := c.do(ctx, http.MethodPost, "/jobs", body, &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("inference: provider returned no job id")
	}
	return resp.ID, nil
}

// GetJobStatus queries the provider for the current state of a job. Transient
// failures are retried a few times with backoff before being reported.
func (c *HTTPClient) GetJobStatus(ctx context.Context, externalJobID string) (*JobState, error) {
	var state JobState
	err := retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, "/jobs/"+externalJobID, nil, &state)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn().Err(err).Uint("attempt", n+1).Str("external_job_id", externalJobID).Msg("inference: status query retrying")
		}),
		retry.RetryIf(func(err error) bool {
			var ae *apiError
			if errors.As(err, &ae) {
				return ae.transient()
			}
			return err != ErrJobNotFound && ctx.Err() == nil
		}),
	)
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// CancelJob asks the provider to cancel a job. A not-found answer is treated
// as success: there is nothing left to cancel.
func (c *HTTPClient) CancelJob(ctx context.Context, externalJobID string) error {
	err := c.do(ctx, http.MethodPost, "/jobs/"+externalJobID+"/cancel", nil, nil)
	if err == ErrJobNotFound {
		return nil
	}
	return err
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("inference: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &apiError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference: decode response: %w", err)
	}
	return nil
}

var _ Client = (*HTTPClient)(nil)
