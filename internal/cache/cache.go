// Package cache provides the client interface to the shared TTL key-value
// cache that holds active-item claims for the worker fleet.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss indicates the key was not present (or had expired).
var ErrMiss = errors.New("cache miss")

// Cache is a shared key-value store with per-key TTL. Implementations must
// be safe for concurrent use.
type Cache interface {
	// Get returns the value for key, or ErrMiss.
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns the values for the present subset of keys. Missing keys
	// are simply absent from the result, not errors.
	MGet(ctx context.Context, keys ...string) (map[string][]byte, error)

	// SetNX atomically sets key to value with a TTL if and only if the key
	// is absent. Returns true if the value was set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the given keys. Deleting absent keys is not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key beginning with prefix and returns the
	// number of keys removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// Close releases the underlying connection.
	Close() error
}
