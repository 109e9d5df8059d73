// Package memory provides an in-process KeyValueStore. Markers kept here do
// not survive a restart; use it for tests and single-shot tools.
package memory

import (
	"context"
	"sync"

	issuance "github.com/x402-foundation/issuance"
)

// Store is a map-backed issuance.KeyValueStore
type Store struct {
	mu    sync.RWMutex
	items map[string][]byte
}

// New creates an empty store
func New() *Store {
	return &Store{items: make(map[string][]byte)}
}

// Get returns a copy of the value under key or issuance.ErrKeyNotFound
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	if !ok {
		return nil, issuance.ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

// Set stores a copy of value under key
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = append([]byte(nil), value...)
	return nil
}

// SetIfAbsent stores value only when key is unset and reports whether it did
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; ok {
		return false, nil
	}
	s.items[key] = append([]byte(nil), value...)
	return true, nil
}

// Delete removes key; operators use it to clear a marker after reconciliation
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// Len returns the number of stored keys
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

var _ issuance.KeyValueStore = (*Store)(nil)
