// Package leasestore is the single linearization point for lock coordination:
// an expiring key/value store with atomic create-if-absent and
// compare-and-extend semantics.
package leasestore

import (
	"context"
	"time"
)

// Store is the atomic key/value contract the Lock Manager and resolver
// ownership build on. Every method is atomic per key with respect to
// concurrent callers. Backend failures are reported as
// types.ErrStoreUnavailable and must never be read as success.
type Store interface {
	// TryPut stores value under key for ttl only if no live value exists.
	TryPut(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Extend resets the ttl of key only if it still holds value.
	Extend(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the live value for key.
	Get(ctx context.Context, key string) (string, bool, error)
	// Delete removes key if it holds value; an empty value deletes unconditionally.
	Delete(ctx context.Context, key, value string) (bool, error)
}
