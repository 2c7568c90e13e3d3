package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the Redis connection used as cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisBackend stores cache entries as plain Redis strings with native TTL.
type RedisBackend struct {
	client *redis.Client
}

// NewRedisBackend builds a Redis-backed cache transport. The client connects
// lazily, so an unreachable server surfaces on first use, not here.
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("cache redis addr is required")
	}
	return &RedisBackend{
		client: redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		}),
	}, nil
}

// Client exposes the shared connection for other Redis users in the process.
func (b *RedisBackend) Client() *redis.Client {
	return b.client
}

// Get returns the stored bytes; ok is false when the key is absent.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Set writes value with ttl.
func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return b.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes key; a missing key is not an error.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return err
	}
	return nil
}

// Ping checks connectivity.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
