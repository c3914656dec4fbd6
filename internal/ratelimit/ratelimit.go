// Package ratelimit provides fixed-window request counters keyed by arbitrary
// strings. The engine keeps one instance for issuance (keyed by tenant) and one
// for access (keyed by token).
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultWindow is the window size used when none is configured.
const DefaultWindow = time.Minute

// Limiter decides whether one more unit of work is allowed under a key.
// Implementations never fail; a backend problem must resolve to a decision.
type Limiter interface {
	// Allow reports whether a new request under key fits this window's quota
	// and counts it if so.
	Allow(ctx context.Context, key string) bool

	// Reset forcibly clears the counter for key.
	Reset(ctx context.Context, key string)
}

// Bucket is the counting state of one key.
type Bucket struct {
	count       int
	windowStart time.Time
	mu          sync.Mutex
}

// FixedWindowLimiter implements Limiter in memory. A key's window opens on its
// first request and lasts Window; the bucket is reset by the first request
// arriving after that.
type FixedWindowLimiter struct {
	buckets   map[string]*Bucket
	bucketsMu sync.RWMutex

	limit  int
	window time.Duration
	now    func() time.Time
}

// Option configures a FixedWindowLimiter.
type Option func(*FixedWindowLimiter)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindowLimiter) { l.now = now }
}

// WithWindow overrides the window size.
func WithWindow(window time.Duration) Option {
	return func(l *FixedWindowLimiter) {
		if window > 0 {
			l.window = window
		}
	}
}

// NewFixedWindowLimiter creates an in-memory limiter admitting limit requests
// per window and key.
func NewFixedWindowLimiter(limit int, opts ...Option) *FixedWindowLimiter {
	l := &FixedWindowLimiter{
		buckets: make(map[string]*Bucket),
		limit:   limit,
		window:  DefaultWindow,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter.
func (l *FixedWindowLimiter) Allow(_ context.Context, key string) bool {
	now := l.now()
	for {
		// The read lock is held across the bucket update so Reset and Sweep
		// cannot drop a bucket while a request is being counted against it.
		l.bucketsMu.RLock()
		if b, ok := l.buckets[key]; ok {
			allowed := l.take(b, now)
			l.bucketsMu.RUnlock()
			return allowed
		}
		l.bucketsMu.RUnlock()

		l.bucketsMu.Lock()
		if _, ok := l.buckets[key]; !ok {
			l.buckets[key] = &Bucket{}
		}
		l.bucketsMu.Unlock()
	}
}

// take applies the fixed-window rule to b.
func (l *FixedWindowLimiter) take(b *Bucket, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= l.window {
		b.count = 1
		b.windowStart = now
		return true
	}

	if b.count >= l.limit {
		return false
	}
	b.count++
	return true
}

// Reset implements Limiter.
func (l *FixedWindowLimiter) Reset(_ context.Context, key string) {
	l.bucketsMu.Lock()
	delete(l.buckets, key)
	l.bucketsMu.Unlock()
}

// Remaining returns how many more requests key may make in its current window.
func (l *FixedWindowLimiter) Remaining(key string) int {
	l.bucketsMu.RLock()
	defer l.bucketsMu.RUnlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.limit
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.windowStart.IsZero() || l.now().Sub(b.windowStart) >= l.window {
		return l.limit
	}
	if remaining := l.limit - b.count; remaining > 0 {
		return remaining
	}
	return 0
}

// Sweep drops buckets whose window has elapsed and returns how many were removed.
// A swept key starts from zero on its next request, exactly as if the window
// had rolled over.
func (l *FixedWindowLimiter) Sweep() int {
	now := l.now()

	l.bucketsMu.Lock()
	defer l.bucketsMu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := now.Sub(b.windowStart) >= l.window
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (l *FixedWindowLimiter) Len() int {
	l.bucketsMu.RLock()
	defer l.bucketsMu.RUnlock()
	return len(l.buckets)
}
