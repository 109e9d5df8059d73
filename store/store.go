// Package store provides the process-scoped state store used for intents,
// verification results and pinned payers.
//
// State kept here may be lost on restart. Anything that guards against
// re-executing a ledger mutation belongs in a durable KeyValueStore or the
// audit log instead.
package store

import "sync"

// Store is a narrow get/set/delete/iterate interface over keyed state.
// Implementations must be safe for concurrent use.
type Store[V any] interface {
	Get(key string) (V, bool)
	Set(key string, value V)
	Delete(key string)
	// Range calls fn for each entry until fn returns false.
	Range(fn func(key string, value V) bool)
	Len() int
}

// Memory is an in-memory Store
type Memory[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewMemory creates an empty in-memory store
func NewMemory[V any]() *Memory[V] {
	return &Memory[V]{items: make(map[string]V)}
}

func (m *Memory[V]) Get(key string) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok
}

func (m *Memory[V]) Set(key string, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

func (m *Memory[V]) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

func (m *Memory[V]) Range(fn func(key string, value V) bool) {
	m.mu.RLock()
	snapshot := make(map[string]V, len(m.items))
	for k, v := range m.items {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (m *Memory[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Update applies fn to the current value of key under the store lock and
// stores the result when fn reports a change.
func (m *Memory[V]) Update(key string, fn func(current V, exists bool) (V, bool)) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, exists := m.items[key]
	next, changed := fn(current, exists)
	if changed {
		m.items[key] = next
		return next
	}
	return current
}

var _ Store[int] = (*Memory[int])(nil)
