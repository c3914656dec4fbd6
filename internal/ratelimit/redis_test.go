package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRedisClient implements RedisClient for testing
type mockRedisClient struct {
	mu       sync.Mutex
	counters map[string]int64
	ttls     map[string]time.Duration

	failIncr bool
	failGet  bool
	failDel  bool
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		counters: make(map[string]int64),
		ttls:     make(map[string]time.Duration),
	}
}

func (m *mockRedisClient) Incr(_ context.Context, key string) (int64, error) {
	if m.failIncr {
		return 0, errors.New("redis incr failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *mockRedisClient) Get(_ context.Context, key string) (string, error) {
	if m.failGet {
		return "", errors.New("redis get failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.counters[key]; ok {
		return strconv.FormatInt(v, 10), nil
	}
	return "", nil
}

func (m *mockRedisClient) Expire(_ context.Context, key string, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttls[key] = expiration
	return nil
}

func (m *mockRedisClient) Del(_ context.Context, key string) error {
	if m.failDel {
		return errors.New("redis del failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counters, key)
	return nil
}

func testRedisConfig(limit int) RedisConfig {
	cfg := DefaultRedisConfig()
	cfg.Limit = limit
	return cfg
}

func TestRedisLimiter_Allow(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	l := NewRedisLimiter(client, testRedisConfig(2), nil)

	assert.True(t, l.Allow(ctx, "dt_1"))
	assert.True(t, l.Allow(ctx, "dt_1"))
	assert.False(t, l.Allow(ctx, "dt_1"))
	assert.True(t, l.Allow(ctx, "dt_2"))

	require.Len(t, client.ttls, 2)
	for key, ttl := range client.ttls {
		assert.True(t, strings.HasPrefix(key, "droptoken:ratelimit:"))
		assert.Equal(t, DefaultWindow+time.Second, ttl)
	}
}

func TestRedisLimiter_AlignedWindow(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	l := NewRedisLimiter(client, testRedisConfig(1), nil)
	now := time.Date(2026, 1, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return now }

	require.True(t, l.Allow(ctx, "k"))
	require.False(t, l.Allow(ctx, "k"))

	now = now.Add(50 * time.Second)
	assert.True(t, l.Allow(ctx, "k"), "a new aligned window starts at the minute boundary")
}

func TestRedisLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	l := NewRedisLimiter(newMockRedisClient(), testRedisConfig(1), nil)

	require.True(t, l.Allow(ctx, "k"))
	require.False(t, l.Allow(ctx, "k"))
	l.Reset(ctx, "k")
	assert.True(t, l.Allow(ctx, "k"))
}

func TestRedisLimiter_Remaining(t *testing.T) {
	ctx := context.Background()
	l := NewRedisLimiter(newMockRedisClient(), testRedisConfig(3), nil)

	remaining, err := l.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	l.Allow(ctx, "k")
	remaining, err = l.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestRedisLimiter_HashedKeys(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	cfg := testRedisConfig(5)
	cfg.KeyHashSecret = []byte("s3cret")
	l := NewRedisLimiter(client, cfg, nil)

	l.Allow(ctx, "dt_abc_secret")
	for key := range client.counters {
		assert.NotContains(t, key, "dt_abc_secret")
	}
}

func TestRedisLimiter_FallbackOnError(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	client.failIncr = true
	l := NewRedisLimiter(client, testRedisConfig(1), nil)

	assert.True(t, l.Allow(ctx, "k"))
	assert.False(t, l.IsRedisAvailable())
	assert.False(t, l.Allow(ctx, "k"), "fallback limiter enforces the same quota")

	client.failIncr = false
	require.NoError(t, l.CheckHealth(ctx))
	assert.True(t, l.IsRedisAvailable())
}

func TestRedisLimiter_RecoversAfterRetryInterval(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	cfg := testRedisConfig(10)
	cfg.EnableFallback = false
	cfg.RetryInterval = 5 * time.Second
	l := NewRedisLimiter(client, cfg, nil)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	client.failIncr = true
	require.False(t, l.Allow(ctx, "k"))
	client.failIncr = false

	now = now.Add(time.Second)
	assert.False(t, l.Allow(ctx, "k"), "redis is skipped until the retry interval passes")
	assert.Empty(t, client.counters)

	now = now.Add(5 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "k"))
	}
	assert.True(t, l.IsRedisAvailable())
	require.Len(t, client.counters, 1)
	for _, v := range client.counters {
		assert.Equal(t, int64(3), v)
	}
}

func TestRedisLimiter_NoFallbackDenies(t *testing.T) {
	ctx := context.Background()
	client := newMockRedisClient()
	client.failIncr = true
	cfg := testRedisConfig(10)
	cfg.EnableFallback = false
	l := NewRedisLimiter(client, cfg, nil)

	assert.False(t, l.Allow(ctx, "k"))
	_, err := l.Remaining(ctx, "k")
	assert.ErrorIs(t, err, ErrRedisUnavailable)
}

func TestRedisLimiter_WithMiniredis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	l := NewRedisLimiter(NewGoRedisAdapter(rdb), testRedisConfig(2), nil)

	assert.True(t, l.Allow(ctx, "tenant-1"))
	assert.True(t, l.Allow(ctx, "tenant-1"))
	assert.False(t, l.Allow(ctx, "tenant-1"))

	remaining, err := l.Remaining(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Greater(t, mr.TTL(keys[0]), time.Duration(0))

	l.Reset(ctx, "tenant-1")
	assert.True(t, l.Allow(ctx, "tenant-1"))
}

func TestGoRedisAdapter_GetMissing(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	v, err := NewGoRedisAdapter(rdb).Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Equal(t, "", v)
}
