package ratelimit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RedisClient defines the Redis operations needed for distributed rate limiting.
type RedisClient interface {
	// Incr atomically increments a key and returns the new value
	Incr(ctx context.Context, key string) (int64, error)
	// Get retrieves the value of a key ("" if missing)
	Get(ctx context.Context, key string) (string, error)
	// Expire sets a TTL on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
	// Del deletes a key
	Del(ctx context.Context, key string) error
}

// RedisConfig contains configuration for the Redis limiter
type RedisConfig struct {
	// KeyPrefix is the prefix for all Redis keys, e.g. "droptoken:issue:"
	KeyPrefix string
	// KeyHashSecret, when set, replaces keys with their HMAC-SHA256 so token ids
	// never appear in cleartext in Redis.
	KeyHashSecret []byte
	// Limit is the maximum number of requests per window
	Limit int
	// Window is the fixed window duration
	Window time.Duration
	// EnableFallback switches to an in-memory limiter while Redis is unavailable
	EnableFallback bool
	// RetryInterval is how long Redis is skipped after a failure before the
	// next request tries it again
	RetryInterval time.Duration
}

// DefaultRedisConfig returns default configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		KeyPrefix:      "droptoken:ratelimit:",
		Limit:          60,
		Window:         DefaultWindow,
		EnableFallback: true,
		RetryInterval:  DefaultRetryInterval,
	}
}

// DefaultRetryInterval is used when RedisConfig.RetryInterval is not set.
const DefaultRetryInterval = 5 * time.Second

// RedisLimiter implements Limiter on Redis with one INCR per request.
// Windows are aligned to multiples of Window so that every process agrees on
// their boundaries; the in-memory limiter opens windows on first use instead.
type RedisLimiter struct {
	client   RedisClient
	config   RedisConfig
	fallback *FixedWindowLimiter
	logger   *zap.Logger
	now      func() time.Time

	redisAvailable   bool
	lastFailure      time.Time
	redisAvailableMu sync.RWMutex
}

// NewRedisLimiter creates a new distributed limiter.
func NewRedisLimiter(client RedisClient, config RedisConfig, logger *zap.Logger) *RedisLimiter {
	if config.Window <= 0 {
		config.Window = DefaultWindow
	}
	if config.RetryInterval <= 0 {
		config.RetryInterval = DefaultRetryInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &RedisLimiter{
		client:         client,
		config:         config,
		logger:         logger,
		now:            time.Now,
		redisAvailable: true,
	}
	if config.EnableFallback {
		l.fallback = NewFixedWindowLimiter(config.Limit, WithWindow(config.Window))
	}
	return l
}

// buildKey constructs the Redis key for a counter.
func (r *RedisLimiter) buildKey(key string, windowStart int64) string {
	keyID := key
	if len(r.config.KeyHashSecret) > 0 {
		keyID = hashKey(key, r.config.KeyHashSecret)
	}
	return fmt.Sprintf("%s%s:%d", r.config.KeyPrefix, keyID, windowStart)
}

// hashKey returns the first 16 hex characters of HMAC-SHA256(key).
func hashKey(key string, secret []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (r *RedisLimiter) windowStart() int64 {
	return r.now().Truncate(r.config.Window).Unix()
}

// Allow implements Limiter. Redis errors mark the backend unavailable and the
// decision is delegated to the fallback; without a fallback the request is denied.
// Once RetryInterval has passed since the last failure, Redis is tried again.
func (r *RedisLimiter) Allow(ctx context.Context, key string) bool {
	if !r.shouldTryRedis() {
		return r.handleFallback(ctx, key)
	}

	redisKey := r.buildKey(key, r.windowStart())
	count, err := r.client.Incr(ctx, redisKey)
	if err != nil {
		r.logger.Warn("rate limit counter unavailable", zap.Error(err))
		r.markRedisAvailable(false)
		return r.handleFallback(ctx, key)
	}
	r.markRedisAvailable(true)

	if count == 1 {
		// orphaned keys are cleaned up by the TTL of later windows anyway
		_ = r.client.Expire(ctx, redisKey, r.config.Window+time.Second)
	}

	return count <= int64(r.config.Limit)
}

func (r *RedisLimiter) handleFallback(ctx context.Context, key string) bool {
	if r.fallback == nil {
		return false
	}
	return r.fallback.Allow(ctx, key)
}

// Reset implements Limiter.
func (r *RedisLimiter) Reset(ctx context.Context, key string) {
	if r.fallback != nil {
		r.fallback.Reset(ctx, key)
	}
	if err := r.client.Del(ctx, r.buildKey(key, r.windowStart())); err != nil {
		r.logger.Warn("failed to reset rate limit counter", zap.Error(err))
		r.markRedisAvailable(false)
		return
	}
	r.markRedisAvailable(true)
}

// Remaining returns the number of requests key may still make in the current window.
func (r *RedisLimiter) Remaining(ctx context.Context, key string) (int, error) {
	if !r.shouldTryRedis() {
		if r.fallback != nil {
			return r.fallback.Remaining(key), nil
		}
		return 0, ErrRedisUnavailable
	}

	countStr, err := r.client.Get(ctx, r.buildKey(key, r.windowStart()))
	if err != nil {
		r.markRedisAvailable(false)
		return 0, fmt.Errorf("failed to get rate limit counter: %w", err)
	}
	if countStr == "" {
		return r.config.Limit, nil
	}
	count, err := strconv.Atoi(countStr)
	if err != nil {
		count = 0
	}
	if remaining := r.config.Limit - count; remaining > 0 {
		return remaining, nil
	}
	return 0, nil
}

func (r *RedisLimiter) markRedisAvailable(ok bool) {
	r.redisAvailableMu.Lock()
	r.redisAvailable = ok
	if !ok {
		r.lastFailure = r.now()
	}
	r.redisAvailableMu.Unlock()
}

// shouldTryRedis reports whether the next request should go to Redis.
func (r *RedisLimiter) shouldTryRedis() bool {
	r.redisAvailableMu.RLock()
	defer r.redisAvailableMu.RUnlock()
	return r.redisAvailable || r.now().Sub(r.lastFailure) >= r.config.RetryInterval
}

// IsRedisAvailable returns whether Redis is currently considered available
func (r *RedisLimiter) IsRedisAvailable() bool {
	r.redisAvailableMu.RLock()
	defer r.redisAvailableMu.RUnlock()
	return r.redisAvailable
}

// CheckHealth probes Redis and restores it as the primary backend on success.
func (r *RedisLimiter) CheckHealth(ctx context.Context) error {
	probe := r.config.KeyPrefix + "_healthcheck"
	if _, err := r.client.Incr(ctx, probe); err != nil {
		r.markRedisAvailable(false)
		return fmt.Errorf("redis health check failed: %w", err)
	}
	_ = r.client.Del(ctx, probe)
	r.markRedisAvailable(true)
	return nil
}
