package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is returned when Redis is unavailable and fallback is disabled
var ErrRedisUnavailable = errors.New("redis unavailable for rate limiting")

// GoRedisAdapter adapts a go-redis/v9 client to the RedisClient interface.
type GoRedisAdapter struct {
	Client redis.Cmdable
}

// NewGoRedisAdapter creates a new adapter for rate limiting operations
func NewGoRedisAdapter(client redis.Cmdable) *GoRedisAdapter {
	return &GoRedisAdapter{Client: client}
}

// Incr atomically increments a key and returns the new value
func (a *GoRedisAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.Client.Incr(ctx, key).Result()
}

// Get retrieves the value of a key
func (a *GoRedisAdapter) Get(ctx context.Context, key string) (string, error) {
	result, err := a.Client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

// Expire sets a TTL on a key
func (a *GoRedisAdapter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return a.Client.Expire(ctx, key, expiration).Err()
}

// Del deletes a key
func (a *GoRedisAdapter) Del(ctx context.Context, key string) error {
	return a.Client.Del(ctx, key).Err()
}
