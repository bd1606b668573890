package resultref

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps payloads in Redis with an optional TTL
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a redis-backed store
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// Name returns the store identifier
func (s *RedisStore) Name() string { return "redis" }

// Put stores a payload
func (s *RedisStore) Put(ctx context.Context, ref string, data []byte) error {
	if err := s.client.Set(ctx, redisKey(ref), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis SET result payload: %w", err)
	}
	return nil
}

// Get retrieves a payload
func (s *RedisStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.Get(ctx, redisKey(ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrRefNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET result payload: %w", err)
	}
	return data, nil
}

// Delete removes a payload
func (s *RedisStore) Delete(ctx context.Context, ref string) error {
	if err := s.client.Del(ctx, redisKey(ref)).Err(); err != nil {
		return fmt.Errorf("redis DEL result payload: %w", err)
	}
	return nil
}

func redisKey(ref string) string {
	return "resultref:" + ref
}
