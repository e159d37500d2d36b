// Package kv provides the key-value store used by the caches and the
// idempotency ledger.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("key not found")

// Store is a key-value store with TTL and atomic set-if-absent.
type Store interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value with ttl. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only when key is absent. It reports whether the
	// value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// SetKeepTTL overwrites an existing key without changing its expiry.
	// Returns ErrNotFound if the key is absent.
	SetKeepTTL(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Ping checks store availability.
	Ping(ctx context.Context) error
}
