// Package store provides shared state storage backends for the resilience
// layer. Circuit breaker snapshots and request volume counters are persisted
// through the Store interface so that stateless compute instances sharing a
// breaker name coordinate through the same keys.
package store

import (
	"context"
	"errors"
	"time"
)

// Store defines the interface for shared resilience state storage.
//
// Values are opaque serialized snapshots. Expiration is mandatory for state
// written by the circuit breaker: records age out of the store after the
// configured monitoring period, so state is best-effort rather than permanent.
type Store interface {
	// Get retrieves the value for the given key.
	// Returns *ErrKeyNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) (string, error)

	// Put sets the value for the given key with an expiration.
	// A non-positive expiration stores the value without expiry.
	Put(ctx context.Context, key string, value string, expiration time.Duration) error

	// Delete removes the key from the store.
	Delete(ctx context.Context, key string) error

	// List returns the keys matching the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close closes the store and releases resources.
	Close() error
}

// Incrementer is an optional capability for stores that support atomic
// counter increments. The circuit breaker uses it for the request volume
// counter when available; stores without it fall back to read-modify-write,
// which is accepted best-effort behavior.
type Incrementer interface {
	// IncrementWithExpiry atomically increments the counter at key by delta,
	// setting the expiration when the key is created.
	IncrementWithExpiry(ctx context.Context, key string, delta int64, expiration time.Duration) (int64, error)
}

// ErrKeyNotFound is returned when a key is not found in the store.
type ErrKeyNotFound struct {
	Key string
}

func (e *ErrKeyNotFound) Error() string {
	return "key not found: " + e.Key
}

// IsKeyNotFound returns true if the error is a key not found error.
func IsKeyNotFound(err error) bool {
	var notFound *ErrKeyNotFound
	return errors.As(err, &notFound)
}
