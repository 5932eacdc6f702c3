// Package cache provides a generic, thread-safe TTL cache with built-in
// statistics and optional Prometheus metrics.
//
// The UDP dispatcher keeps the encoded auth-params reply per source address in
// a TTL cache so repeated requests are answered identically and cheaply.
package cache

import (
	"context"
	"time"

	"github.com/c360/padrelay/errors"
)

// Cache represents a generic cache keyed by string.
type Cache[V any] interface {
	// Get retrieves a value by key. Expired entries are reported as missing.
	Get(key string) (V, bool)

	// Set stores a value and resets its expiry. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries, expired or not.
	Size() int

	// Keys returns the keys of unexpired entries.
	Keys() []string

	Stats() *Statistics

	// Close stops background cleanup.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// NewTTL creates a TTL cache. Expired entries are removed lazily on Get and by
// a background sweep every cleanupInterval until ctx is done or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewTTL", "ttl must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	return newTTLCache(ctx, ttl, cleanupInterval, applyOptions(options...))
}

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
