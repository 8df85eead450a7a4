package store

import (
	"context"
	"sync"

	"github.com/acrylic-style/gptx-api/internal/domain/shared"
)

// InMemoryKVStore implements KVStore using an in-memory map.
// This is suitable for single-instance deployments and testing.
type InMemoryKVStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewInMemoryKVStore creates a new in-memory KV store
func NewInMemoryKVStore() *InMemoryKVStore {
	return &InMemoryKVStore{values: make(map[string][]byte)}
}

// Get returns the raw value for key
func (s *InMemoryKVStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.values[key]
	if !ok {
		return nil, shared.ErrNotFound
	}
	out := make([]byte, len(val))
	copy(out, val)
	return out, nil
}

// Put stores the raw value under key
func (s *InMemoryKVStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	s.values[key] = stored
	return nil
}

// Delete removes the key
func (s *InMemoryKVStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// Update performs the read-modify-write under the store lock, which gives
// the same no-lost-update guarantee the Redis implementation provides via
// WATCH/MULTI.
func (s *InMemoryKVStore) Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current []byte
	if val, ok := s.values[key]; ok {
		current = make([]byte, len(val))
		copy(current, val)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	stored := make([]byte, len(next))
	copy(stored, next)
	s.values[key] = stored
	return nil
}

// InMemoryDirtySet implements DirtySet using an in-memory map
type InMemoryDirtySet struct {
	mu      sync.RWMutex
	members map[string]struct{}
}

// NewInMemoryDirtySet creates a new in-memory dirty set
func NewInMemoryDirtySet() *InMemoryDirtySet {
	return &InMemoryDirtySet{members: make(map[string]struct{})}
}

// Add idempotently inserts members
func (s *InMemoryDirtySet) Add(ctx context.Context, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range members {
		s.members[m] = struct{}{}
	}
	return nil
}

// Members returns a snapshot of the current membership
func (s *InMemoryDirtySet) Members(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out, nil
}

// Remove deletes the given members
func (s *InMemoryDirtySet) Remove(ctx context.Context, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range members {
		delete(s.members, m)
	}
	return nil
}

// InMemoryPendingRunQueue implements PendingRunQueue using an in-memory map
type InMemoryPendingRunQueue struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewInMemoryPendingRunQueue creates a new in-memory pending-run queue
func NewInMemoryPendingRunQueue() *InMemoryPendingRunQueue {
	return &InMemoryPendingRunQueue{entries: make(map[string][]byte)}
}

// Enqueue inserts the entry if the key is absent
func (q *InMemoryPendingRunQueue) Enqueue(ctx context.Context, key string, value []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[key]; exists {
		return false, nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	q.entries[key] = stored
	return true, nil
}

// Set overwrites the entry for key
func (q *InMemoryPendingRunQueue) Set(ctx context.Context, key string, value []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	q.entries[key] = stored
	return nil
}

// All returns a snapshot of every tracked entry
func (q *InMemoryPendingRunQueue) All(ctx context.Context) (map[string][]byte, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string][]byte, len(q.entries))
	for k, v := range q.entries {
		val := make([]byte, len(v))
		copy(val, v)
		out[k] = val
	}
	return out, nil
}

// Remove deletes the given keys
func (q *InMemoryPendingRunQueue) Remove(ctx context.Context, keys ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, k := range keys {
		delete(q.entries, k)
	}
	return nil
}

// Interface guards
var (
	_ KVStore         = (*InMemoryKVStore)(nil)
	_ DirtySet        = (*InMemoryDirtySet)(nil)
	_ PendingRunQueue = (*InMemoryPendingRunQueue)(nil)
)
