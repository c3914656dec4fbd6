package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestFixedWindowLimiter_AllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewFixedWindowLimiter(3, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(ctx, "k"), "call %d should be allowed", i+1)
	}
	assert.False(t, l.Allow(ctx, "k"))
	assert.False(t, l.Allow(ctx, "k"), "denied calls must not extend the window")
	assert.Equal(t, 0, l.Remaining("k"))
}

func TestFixedWindowLimiter_WindowRollover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewFixedWindowLimiter(2, WithClock(clock.Now), WithWindow(time.Minute))

	require.True(t, l.Allow(ctx, "k"))
	require.True(t, l.Allow(ctx, "k"))
	require.False(t, l.Allow(ctx, "k"))

	clock.Advance(59 * time.Second)
	assert.False(t, l.Allow(ctx, "k"))

	clock.Advance(time.Second)
	assert.True(t, l.Allow(ctx, "k"))
	assert.Equal(t, 1, l.Remaining("k"))
}

func TestFixedWindowLimiter_WindowStartsOnFirstUse(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewFixedWindowLimiter(1, WithClock(clock.Now))

	clock.Advance(30 * time.Second)
	require.True(t, l.Allow(ctx, "k"))
	clock.Advance(45 * time.Second)
	assert.False(t, l.Allow(ctx, "k"), "window is anchored at first use, not at a minute boundary")
	clock.Advance(15 * time.Second)
	assert.True(t, l.Allow(ctx, "k"))
}

func TestFixedWindowLimiter_Reset(t *testing.T) {
	ctx := context.Background()
	l := NewFixedWindowLimiter(1, WithClock(newFakeClock().Now))

	require.True(t, l.Allow(ctx, "k"))
	require.False(t, l.Allow(ctx, "k"))

	l.Reset(ctx, "k")
	assert.Equal(t, 0, l.Len())
	assert.True(t, l.Allow(ctx, "k"))

	// resetting an unknown key is a no-op
	l.Reset(ctx, "missing")
}

func TestFixedWindowLimiter_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l := NewFixedWindowLimiter(1, WithClock(newFakeClock().Now))

	assert.True(t, l.Allow(ctx, "tenant-a"))
	assert.False(t, l.Allow(ctx, "tenant-a"))
	assert.True(t, l.Allow(ctx, "tenant-b"))
	assert.Equal(t, 1, l.Remaining("tenant-c"))
}

func TestFixedWindowLimiter_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewFixedWindowLimiter(5, WithClock(clock.Now))

	l.Allow(ctx, "old")
	clock.Advance(30 * time.Second)
	l.Allow(ctx, "fresh")
	clock.Advance(31 * time.Second)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 4, l.Remaining("fresh"))
}

func TestFixedWindowLimiter_ConcurrentNeverExceedsLimit(t *testing.T) {
	ctx := context.Background()
	const limit = 25
	l := NewFixedWindowLimiter(limit, WithClock(newFakeClock().Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow(ctx, "shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), allowed.Load())
}

func TestFixedWindowLimiter_ConcurrentResetAndSweep(t *testing.T) {
	ctx := context.Background()
	l := NewFixedWindowLimiter(1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%3)
			for j := 0; j < 100; j++ {
				l.Allow(ctx, key)
				if j%10 == 0 {
					l.Reset(ctx, key)
				}
				if j%25 == 0 {
					l.Sweep()
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, l.Len(), 3)
}
