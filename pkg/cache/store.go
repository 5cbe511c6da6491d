// Package cache provides the TTL key-value stores used to memoize market
// data, plus a singleflight loader on top of them.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("cache store closed")

// Store is a byte-oriented TTL cache.
type Store interface {
	// Get returns the value and true, or false when the key is missing or
	// expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Set stores value for ttl. A ttl <= 0 stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
	// TTL returns the remaining lifetime of key and false when it is
	// missing. Keys without expiry report a negative duration.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Close() error
}
