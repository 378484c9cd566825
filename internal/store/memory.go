package store

import (
	"context"
	"maps"
	"sync"
)

// MemoryStore is a physical store that keeps the mapping in process memory.
// Used in tests and as the backing store when persistence is disabled.
type MemoryStore struct {
	mu   sync.Mutex
	data Blob
}

// NewMemory returns an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a copy of the current mapping so callers cannot mutate the
// store's state behind its lock.
func (m *MemoryStore) Load(_ context.Context) (Blob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneBlob(m.data), nil
}

// Save replaces the mapping.
func (m *MemoryStore) Save(_ context.Context, data Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = cloneBlob(data)
	return nil
}

// Update applies fn under the store's lock.
func (m *MemoryStore) Update(_ context.Context, fn func(Blob) (Blob, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated, err := fn(cloneBlob(m.data))
	if err != nil {
		return err
	}
	m.data = cloneBlob(updated)
	return nil
}

func cloneBlob(b Blob) Blob {
	if b == nil {
		return Blob{}
	}
	return maps.Clone(b)
}
