package cloudguard

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounterStore implements CounterStore on a shared Redis instance so
// multiple ingest processes share one budget per origin. INCR creates absent
// keys at 1 atomically; the TTL is attached on that first increment, which
// gives crash-safe expiry without a sweep process.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(cfg RedisConfig) *RedisCounterStore {
	return &RedisCounterStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Username: cfg.Username,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (s *RedisCounterStore) Increment(ctx context.Context, key string, window time.Duration) (int, error) {
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: redis incr %s: %v", ErrStoreUnavailable, key, err)
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: redis expire %s: %v", ErrStoreUnavailable, key, err)
		}
	}
	return int(count), nil
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (*RateCounter, error) {
	count, err := s.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: redis get %s: %v", ErrStoreUnavailable, key, err)
	}
	// The window start is not recoverable from Redis alone; the key TTL is
	// authoritative for expiry, so only the count is reported.
	return &RateCounter{OriginID: key, Count: count}, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	return s.client.Del(ctx, key).Err()
}

func (s *RedisCounterStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *RedisCounterStore) Close() error {
	return s.client.Close()
}
