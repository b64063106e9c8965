package client

import (
	"context"
	"sync/atomic"
)

// MemoryStore keeps the token pair in process memory. It does not survive restarts.
type MemoryStore struct {
	pair atomic.Pointer[TokenPair]
}

// NewMemoryStore creates an empty in-memory token store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Save swaps in a copy of pair in a single atomic store
func (m *MemoryStore) Save(_ context.Context, pair *TokenPair) error {
	if pair == nil {
		m.pair.Store(nil)
		return nil
	}
	m.pair.Store(pair.Clone())
	return nil
}

// Load returns a copy of the current pair
func (m *MemoryStore) Load(_ context.Context) *TokenPair {
	return m.pair.Load().Clone()
}

// Clear removes the pair
func (m *MemoryStore) Clear(_ context.Context) error {
	m.pair.Store(nil)
	return nil
}
