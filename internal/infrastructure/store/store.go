// Package store provides the durable quota store backing the metering
// subsystem: JSON values keyed by user id, set-valued dirty registries, and
// the pending-run queue. Redis is the production backend; in-memory
// implementations back the test suites.
package store

import "context"

// KVStore is durable key/value storage for JSON-serialized records.
// Implementations must guarantee atomicity of a single key's read and write;
// nothing else is relied upon for consistency.
type KVStore interface {
	// Get returns the raw value for key, or shared.ErrNotFound if absent
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the raw value under key
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes the key; deleting an absent key is not an error
	Delete(ctx context.Context, key string) error

	// Update performs a conditional read-modify-write: fn receives the
	// current value (nil if absent) and returns the replacement. The write
	// only lands if the key was not modified concurrently; on conflict the
	// cycle retries with a fresh read.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
}

// DirtySet is a durable, idempotent set of member ids needing attention in a
// future periodic sweep. Membership mutation is per-member so that sweeps can
// remove exactly what they processed instead of clearing blindly.
type DirtySet interface {
	// Add idempotently inserts members
	Add(ctx context.Context, members ...string) error

	// Members returns a snapshot of the current membership
	Members(ctx context.Context) ([]string, error)

	// Remove deletes the given members; absent members are ignored
	Remove(ctx context.Context, members ...string) error
}

// PendingRunQueue is a durable map of composite run keys to serialized
// pending-run entries. Enqueue is idempotent: an existing key is left
// untouched so a double dispatch never duplicates tracking state.
type PendingRunQueue interface {
	// Enqueue inserts the entry if the key is absent; returns false if it
	// already existed
	Enqueue(ctx context.Context, key string, value []byte) (bool, error)

	// Set overwrites the entry for key (used to requeue with updated state)
	Set(ctx context.Context, key string, value []byte) error

	// All returns a snapshot of every tracked entry
	All(ctx context.Context) (map[string][]byte, error)

	// Remove deletes the given keys; absent keys are ignored
	Remove(ctx context.Context, keys ...string) error
}
