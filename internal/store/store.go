// Package store defines the key-value persistence used by the key pool.
//
// The pool reads and writes credential records through this interface under a
// read-then-write, last-writer-wins discipline; implementations do not need
// to provide atomic read-modify-write.
package store

import "context"

// Entry is a single key-value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is a minimal key-value store with prefix scans.
type Store interface {
	// Get returns the value for key. The second return is false when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set writes value under key, overwriting any existing value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all entries whose key starts with prefix, ordered by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}
