package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// JobCache is a short-TTL read cache in front of job status lookups. Clients
// poll aggressively while a generation runs; serving those polls from Redis
// keeps the hot path off the database. Implementations must be safe for
// concurrent use.
type JobCache interface {
	Get(ctx context.Context, jobID string) ([]byte, bool, error)
	Set(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, jobID string) error
}

func jobKey(jobID string) string {
	return "job:status:" + jobID
}

// RedisJobCache implements JobCache using go-redis/v9.
type RedisJobCache struct {
	client *redis.Client
}

// NewRedisJobCache creates a RedisJobCache from a Redis URL.
func NewRedisJobCache(redisURL string) (*RedisJobCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisJobCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisJobCache) Get(ctx context.Context, jobID string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, jobKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisJobCache) Set(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	return c.client.Set(ctx, jobKey(jobID), payload, ttl).Err()
}

func (c *RedisJobCache) Invalidate(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, jobKey(jobID)).Err()
}

// NopJobCache caches nothing. Used when no Redis is configured.
type NopJobCache struct{}

func (NopJobCache) Get(ctx context.Context, jobID string) ([]byte, bool, error) { return nil, false, nil }
func (NopJobCache) Set(ctx context.Context, jobID string, payload []byte, ttl time.Duration) error {
	return nil
}
func (NopJobCache) Invalidate(ctx context.Context, jobID string) error { return nil }

var (
	_ JobCache = (*RedisJobCache)(nil)
	_ JobCache = NopJobCache{}
)
