package store

import (
	"context"
	"sort"
	"sync"

	"github.com/sofatutor/droptoken/internal/token"
)

// MemoryStore implements TokenStore and AccessLogStore in process memory.
// Callers always receive deep copies, never the stored values.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]token.DropToken
	logs   map[string][]token.AccessLogEntry
	locks  *KeyedMutex
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens: make(map[string]token.DropToken),
		logs:   make(map[string][]token.AccessLogEntry),
		locks:  NewKeyedMutex(),
	}
}

// Get implements TokenStore.
func (m *MemoryStore) Get(_ context.Context, id string) (token.DropToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tokens[id]
	if !ok {
		return token.DropToken{}, ErrNotFound
	}
	return t.Clone(), nil
}

// Put implements TokenStore.
func (m *MemoryStore) Put(_ context.Context, t token.DropToken) error {
	unlock := m.locks.Lock(t.ID)
	defer unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[t.ID]; ok {
		return ErrTokenExists
	}
	m.tokens[t.ID] = t.Clone()
	return nil
}

// Update implements TokenStore.
func (m *MemoryStore) Update(_ context.Context, id string, fn UpdateFunc) (token.DropToken, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	current, ok := m.tokens[id]
	m.mu.RUnlock()
	if !ok {
		return token.DropToken{}, ErrNotFound
	}

	working := current.Clone()
	if err := fn(&working); err != nil {
		return token.DropToken{}, err
	}
	working.ID = id

	m.mu.Lock()
	m.tokens[id] = working.Clone()
	m.mu.Unlock()
	return working, nil
}

// List implements TokenStore.
func (m *MemoryStore) List(_ context.Context) ([]token.DropToken, error) {
	m.mu.RLock()
	out := make([]token.DropToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		out = append(out, t.Clone())
	}
	m.mu.RUnlock()

	sortTokens(out)
	return out, nil
}

// Init implements AccessLogStore.
func (m *MemoryStore) Init(_ context.Context, tokenID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[tokenID]; !ok {
		m.logs[tokenID] = []token.AccessLogEntry{}
	}
	return nil
}

// Append implements AccessLogStore.
func (m *MemoryStore) Append(_ context.Context, entry token.AccessLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[entry.TokenID] = append(m.logs[entry.TokenID], entry)
	return nil
}

// Entries implements AccessLogStore.
func (m *MemoryStore) Entries(_ context.Context, tokenID string) ([]token.AccessLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[tokenID]
	out := make([]token.AccessLogEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func sortTokens(ts []token.DropToken) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].IssuedAt.Equal(ts[j].IssuedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].IssuedAt.Before(ts[j].IssuedAt)
	})
}
