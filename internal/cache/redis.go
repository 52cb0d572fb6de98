package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"

	"example.com/backstage/services/ingest/config"
)

// RedisUsageStore backs the usage limiter with atomic Redis counters.
type RedisUsageStore struct {
	client *redis.Client
}

// NewRedisUsageStore creates a new Redis usage store
func NewRedisUsageStore(cfg config.RedisConfig) (*RedisUsageStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisUsageStore{client: client}, nil
}

// Increment atomically adds amount to a window-bucketed counter and
// returns the new total. The key expires with its accounting window.
func (s *RedisUsageStore) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrBy(ctx, key, amount)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "failed to increment usage counter")
	}
	return incr.Val(), nil
}

// GetCount returns the current value of a counter, zero when the window
// has no usage yet.
func (s *RedisUsageStore) GetCount(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "failed to get usage counter")
	}
	return val, nil
}

// MarkOnce sets a debounce flag and reports whether this caller won.
// Exactly one caller per key observes true until the flag expires.
func (s *RedisUsageStore) MarkOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to set usage marker")
	}
	return ok, nil
}

// Close closes the Redis connection
func (s *RedisUsageStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
