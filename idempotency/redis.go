package idempotency

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis.
//
// Claim is a SET NX with the claim TTL, so exactly one instance wins a key;
// Complete rewrites the key with the retention TTL. Expiry is left to Redis.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := idempotency.NewRedisStore(rdb).WithPrefix("finvest:idemp:")
type RedisStore struct {
	client redis.Cmdable
	opts   options
	prefix string
}

// NewRedisStore creates a Redis-backed store with the "idemp:" key prefix.
func NewRedisStore(client redis.Cmdable, opts ...Option) *RedisStore {
	return &RedisStore{
		client: client,
		opts:   buildOptions(opts),
		prefix: "idemp:",
	}
}

// WithPrefix sets a custom prefix for Redis keys.
//
// Returns the store for method chaining.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

// Claim takes ownership of key with SET NX.
func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+key, "claimed", s.opts.claimTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return set, nil
}

// Complete marks key as handled for the retention period.
func (s *RedisStore) Complete(ctx context.Context, key string) error {
	if err := s.client.Set(ctx, s.prefix+key, "done", s.opts.retention).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Release deletes key.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
