package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// RedisStore keeps counters as JSON values with an expiry.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Counter, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get counter: %w", err)
	}

	var counter Counter
	if err := json.Unmarshal(raw, &counter); err != nil {
		// Treat garbage as a missing counter so the window restarts.
		return nil, nil
	}
	return &counter, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, counter Counter, ttl time.Duration) error {
	raw, err := json.Marshal(counter)
	if err != nil {
		return fmt.Errorf("marshal counter: %w", err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("put counter: %w", err)
	}
	return nil
}
