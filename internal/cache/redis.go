package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures a Redis-backed cache.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key.
	Prefix string
	// TTL is the expiry of each entry; zero means no expiry.
	TTL time.Duration
}

// Redis caches records in a shared Redis instance so several daemons see the
// same entries.
type Redis struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	metrics Metrics
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return NewRedisWithClient(client, opts.Prefix, opts.TTL), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

func (c *Redis) key(kind, token string) string {
	return c.prefix + entryKey(kind, token)
}

// Get fetches a record, returning ErrMiss when the key does not exist.
func (c *Redis) Get(ctx context.Context, kind, token string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.key(kind, token)).Bytes()
	if err != nil {
		c.metrics.Misses.Add(1)
		if errors.Is(err, redis.Nil) {
			return nil, ErrMiss
		}
		return nil, err
	}
	c.metrics.Hits.Add(1)
	return val, nil
}

// Set stores a record with the configured TTL.
func (c *Redis) Set(ctx context.Context, kind, token string, data []byte) error {
	return c.client.Set(ctx, c.key(kind, token), data, c.ttl).Err()
}

// Invalidate deletes a record.
func (c *Redis) Invalidate(ctx context.Context, kind, token string) error {
	return c.client.Del(ctx, c.key(kind, token)).Err()
}

// Close closes the client.
func (c *Redis) Close() error {
	return c.client.Close()
}

// Metrics returns hit and miss counters observed by this process.
func (c *Redis) Metrics() Snapshot {
	return c.metrics.Snapshot()
}
