// Package kvstore defines the key-value persistence boundary used for the
// OAuth credential, mirrored collection blobs, and the short-lived negative
// entitlement cache. Components receive this interface explicitly; nothing
// reads ambient global state.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is a minimal key-value store with per-key TTL.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
