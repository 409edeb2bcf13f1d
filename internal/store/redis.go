package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore owns the Redis connection shared by the circuit breaker and the
// rate limiter. Delivery state never lives here; Postgres is the source of
// truth and Redis only carries the fast-changing throttle counters.
type RedisStore struct {
	client *redis.Client
}

// NewRedis connects using a redis:// URL and verifies the server is reachable
// before returning.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying connection for components that run their own
// Redis commands.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
