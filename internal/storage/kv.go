package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when the key does not exist or has expired.
var ErrNotFound = errors.New("storage: key not found")

// NoExpiry is returned by TTL for a key that exists without an expiry.
const NoExpiry time.Duration = -1

// CounterResult is the outcome of a conditional increment.
type CounterResult struct {
	// Value is the counter after the call. When Applied is false it is the
	// untouched current value.
	Value   int64
	Applied bool
	// TTL is the remaining lifetime of the counter, 0 when the key is absent.
	TTL time.Duration
}

// KV is the shared key-value store every admission component works against.
// Implementations must be safe for concurrent use.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	// IncrByIfWithin atomically adds delta to the integer at key unless the
	// result would exceed max. A counter created by the call expires after ttl.
	IncrByIfWithin(ctx context.Context, key string, delta, max int64, ttl time.Duration) (CounterResult, error)
	// Keys lists keys matching a glob pattern such as "metrics:snapshot:*".
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
}
