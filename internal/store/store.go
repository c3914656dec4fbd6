// Package store persists drop tokens and their access logs. The lifecycle
// engine only sees the TokenStore and AccessLogStore interfaces; MemoryStore
// is the default backend and SQLiteStore keeps state across processes.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/sofatutor/droptoken/internal/token"
)

var (
	// ErrNotFound is returned when a token id is unknown
	ErrNotFound = errors.New("token not found")

	// ErrTokenExists is returned by Put when the id is already stored
	ErrTokenExists = errors.New("token already exists")
)

// UpdateFunc mutates a token in place. Returning an error aborts the update
// and nothing is written.
type UpdateFunc func(t *token.DropToken) error

// TokenStore holds drop tokens keyed by id.
type TokenStore interface {
	// Get returns a copy of the token or ErrNotFound.
	Get(ctx context.Context, id string) (token.DropToken, error)

	// Put stores a new token. It fails with ErrTokenExists if the id is taken.
	Put(ctx context.Context, t token.DropToken) error

	// Update runs fn on the current token and stores the result. Updates of the
	// same id are serialized; fn always sees the latest committed state.
	// The returned token is the stored state after fn.
	Update(ctx context.Context, id string, fn UpdateFunc) (token.DropToken, error)

	// List returns copies of all tokens ordered by issue time.
	List(ctx context.Context) ([]token.DropToken, error)
}

// AccessLogStore holds the ordered access log of every token.
type AccessLogStore interface {
	// Init creates the empty log of a newly issued token.
	Init(ctx context.Context, tokenID string) error

	// Append adds an entry to the end of the token's log.
	Append(ctx context.Context, entry token.AccessLogEntry) error

	// Entries returns the token's log in append order; empty if there is none.
	Entries(ctx context.Context, tokenID string) ([]token.AccessLogEntry, error)
}

// KeyedMutex hands out one mutex per key and forgets it once no goroutine
// holds or waits for it. The backends use it for Update; callers may use
// their own instance to serialize work that spans several store calls.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key and returns its release function.
func (k *KeyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// size reports the number of live locks.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
