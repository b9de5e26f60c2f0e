package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Event describes one job state transition pushed to connected clients.
type Event struct {
	JobID       string    `json:"job_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Publisher fans job transitions out to clients. Publishing is best-effort:
// implementations log failures and never return them, so a broken fan-out can
// never roll back a reconciliation transaction.
type Publisher interface {
	Publish(ctx context.Context, ownerID string, event Event)
}

// RedisPublisher publishes events onto a per-owner Redis channel that the
// realtime gateway subscribes to.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisPublisher connects to the Redis at redisURL.
func NewRedisPublisher(redisURL string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: redis.NewClient(opts), logger: logger}, nil
}

// ChannelFor returns the pub/sub channel carrying an owner's job events.
func ChannelFor(ownerID string) string {
	return "notify:user:" + ownerID
}

func (p *RedisPublisher) Publish(ctx context.Context, ownerID string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("notify: encode event failed")
		return
	}
	if err := p.client.Publish(ctx, ChannelFor(ownerID), payload).Err(); err != nil {
		p.logger.Warn().Err(err).Str("job_id", event.JobID).Msg("notify: publish failed")
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NopPublisher drops all events. Used when no Redis is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, ownerID string, event Event) {}

var (
	_ Publisher = (*RedisPublisher)(nil)
	_ Publisher = NopPublisher{}
)
