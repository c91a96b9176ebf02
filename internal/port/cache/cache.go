// Package cache defines the port interface for byte-value caching.
//
// The engine caches tool catalogues and sealed session material; both are
// rebuildable, so every implementation is free to evict at will.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is the port interface for key-value caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key joins parts into a namespaced cache key. Slash-separated keys stay
// valid across every backend, including NATS KV's restricted charset.
func Key(parts ...string) string {
	return strings.Join(parts, "/")
}
