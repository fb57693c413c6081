package repository

import (
	"context"
	"time"
)

// Entry is a KV value together with its metadata sidecar.
type Entry struct {
	Key      string
	Value    []byte
	Metadata []byte // JSON; interpretation belongs to the caller
}

// BlobStore is the KV namespace contract the caches are built on. Values are
// binary; every key may carry an opaque JSON metadata sidecar that can be
// read without fetching the value. A zero TTL means no expiration.
//
// Implementations must be safe for concurrent use.
type BlobStore interface {
	// Get retrieves value and metadata. Returns ErrKeyNotFound on miss.
	Get(ctx context.Context, key string) (*Entry, error)

	// GetMetadata retrieves only the metadata sidecar for a key.
	// Returns ErrKeyNotFound when the key does not exist.
	GetMetadata(ctx context.Context, key string) ([]byte, error)

	// Set stores value and metadata under key with the given TTL.
	Set(ctx context.Context, key string, value, metadata []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, keys ...string) error

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Incr atomically increments an integer counter key and returns the new
	// value. A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// GetCounter reads an integer counter key. A missing key reads as zero.
	GetCounter(ctx context.Context, key string) (int64, error)
}
