package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/alexjbarnes/toolgate/internal/errors"
	"github.com/redis/go-redis/v9"
)

// RedisConfig contains configuration options for the Redis store.
type RedisConfig struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// KeyPrefix is prepended to every key.
	// Default: "toolgate:"
	KeyPrefix string
}

// Redis implements Store on top of Redis key expiry. Expiry is enforced
// by the server, so an expired key is never returned.
type Redis struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedis creates a Redis-backed store.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "toolgate:"
	}

	return &Redis{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewRedisFromURL parses a redis:// URL, pings the server and returns a
// store bound to it.
func NewRedisFromURL(ctx context.Context, rawURL, keyPrefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return NewRedis(RedisConfig{Client: client, KeyPrefix: keyPrefix})
}

// Put stores value under key with a server-side expiry.
func (r *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("put %q: ttl must be positive", key)
	}

	if err := r.client.Set(ctx, r.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set: %w", apperrors.ErrStoreUnavailable, err)
	}

	return nil
}

// Get returns the value for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: get: %w", apperrors.ErrStoreUnavailable, err)
	}

	return v, nil
}

// Take uses GETDEL so the read and delete are a single server operation.
func (r *Redis) Take(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.GetDel(ctx, r.keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("%w: getdel: %w", apperrors.ErrStoreUnavailable, err)
	}

	return v, nil
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: del: %w", apperrors.ErrStoreUnavailable, err)
	}

	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

var _ Store = (*Redis)(nil)
