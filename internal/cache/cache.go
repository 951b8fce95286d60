package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kiranshivaraju/promptbatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobProgress(ctx context.Context, p models.JobProgress, ttl time.Duration) error
	GetJobProgress(ctx context.Context, jobID string) (*models.JobProgress, bool, error)
	DeleteJobProgress(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client exposes the underlying connection for pub/sub.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobProgress(ctx context.Context, p models.JobProgress, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}
	return c.Set(ctx, JobProgressKey(p.JobID), b, ttl)
}

func (c *RedisCache) GetJobProgress(ctx context.Context, jobID string) (*models.JobProgress, bool, error) {
	b, found, err := c.Get(ctx, JobProgressKey(jobID))
	if err != nil || !found {
		return nil, false, err
	}
	var p models.JobProgress
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, false, fmt.Errorf("decode job progress: %w", err)
	}
	return &p, true, nil
}

func (c *RedisCache) DeleteJobProgress(ctx context.Context, jobID string) error {
	return c.Delete(ctx, JobProgressKey(jobID))
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// NoopCache is used when no Redis is configured. Progress reads always miss,
// so callers fall back to the store, and rate-limit counters never grow.
type NoopCache struct{}

func (NoopCache) Ping(context.Context) error { return nil }
func (NoopCache) Close() error               { return nil }
func (NoopCache) SetJobProgress(context.Context, models.JobProgress, time.Duration) error {
	return nil
}
func (NoopCache) GetJobProgress(context.Context, string) (*models.JobProgress, bool, error) {
	return nil, false, nil
}
func (NoopCache) DeleteJobProgress(context.Context, string) error { return nil }
func (NoopCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

var (
	_ Cache = (*RedisCache)(nil)
	_ Cache = NoopCache{}
)

// Open connects to Redis when redisURL is set and verifies the connection.
// Without a URL it returns NoopCache, which disables progress caching and
// rate limiting.
func Open(ctx context.Context, redisURL string) (Cache, error) {
	if redisURL == "" {
		return NoopCache{}, nil
	}
	c, err := NewRedisCache(redisURL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return c, nil
}
