// Package store provides the layered persistence used by the event sync:
// an opaque blob [Store] interface, a key-partitioned [ScopedStore] decorator,
// and two physical implementations (in-memory and SQLite).
//
// Scopes compose by wrapping: a ScopedStore can itself back another
// ScopedStore, so a single physical store is partitioned into
// "event_sync/<calendar_id>" style namespaces without each calendar needing
// its own database. Ownership is strictly a tree — each scope holds exactly
// one backing reference.
package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Blob is the raw mapping a store persists. Values are opaque JSON so nested
// scopes and event payloads round-trip without the store knowing their shape.
type Blob = map[string]json.RawMessage

// Store is the persistence contract shared by physical stores and scoped
// views of them.
//
// Save is a full replacement of the mapping at this store's level. Because a
// scope's Save is a read-modify-write against its backing store, plain
// Load+Save pairs from concurrent goroutines could clobber each other's
// sibling keys; Update exists to close that gap — physical stores hold their
// write lock for the whole callback, and scoped stores forward through to it.
type Store interface {
	// Load returns the current mapping, or an empty mapping when nothing
	// has been saved yet.
	Load(ctx context.Context) (Blob, error)

	// Save replaces the mapping.
	Save(ctx context.Context, data Blob) error

	// Update atomically replaces the mapping with fn(current).
	Update(ctx context.Context, fn func(Blob) (Blob, error)) error
}

// ScopedStore reads and writes the sub-mapping stored under a single key of
// its backing store. Create one with [NewScoped].
type ScopedStore struct {
	store Store
	key   string
}

// NewScoped returns a view over the given key of store.
func NewScoped(store Store, key string) *ScopedStore {
	return &ScopedStore{store: store, key: key}
}

// Load returns the sub-mapping at this scope's key, defaulting to an empty
// mapping when the key is absent.
func (s *ScopedStore) Load(ctx context.Context) (Blob, error) {
	parent, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return s.decode(parent)
}

// Save stores data under this scope's key, preserving sibling keys via the
// backing store's atomic Update.
func (s *ScopedStore) Save(ctx context.Context, data Blob) error {
	return s.Update(ctx, func(Blob) (Blob, error) {
		return data, nil
	})
}

// Update applies fn to the sub-mapping at this scope's key while the physical
// store's lock is held, so concurrent scopes sharing one backing store cannot
// lose each other's writes.
func (s *ScopedStore) Update(ctx context.Context, fn func(Blob) (Blob, error)) error {
	return s.store.Update(ctx, func(parent Blob) (Blob, error) {
		current, err := s.decode(parent)
		if err != nil {
			return nil, err
		}
		updated, err := fn(current)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(updated)
		if err != nil {
			return nil, fmt.Errorf("encoding scope %q: %w", s.key, err)
		}
		if parent == nil {
			parent = Blob{}
		}
		parent[s.key] = encoded
		return parent, nil
	})
}

// decode unmarshals this scope's key out of the parent mapping.
func (s *ScopedStore) decode(parent Blob) (Blob, error) {
	raw, ok := parent[s.key]
	if !ok {
		return Blob{}, nil
	}
	var sub Blob
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, fmt.Errorf("decoding scope %q: %w", s.key, err)
	}
	if sub == nil {
		sub = Blob{}
	}
	return sub, nil
}
