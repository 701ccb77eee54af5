// Package cache implements the gateway's multi-level response cache.
//
// Logically one cache, physically a stack of tiers:
//
//   - Tier 0: MemoryStore — in-process LRU+TTL map with a reverse tag index.
//   - Tier 1: RedisStore — shared durable KV, recommended for multi-replica
//     deployments. Degrades gracefully: a broken tier reads as a miss.
//
// Reads cascade top-down and promote lower-tier hits; writes go through to
// every tier. The Manager adds key derivation, TTL clamping, singleflight
// loader coalescing, and invalidation by key, prefix, tag, or namespace.
package cache

import (
	"context"
	"time"
)

// Store is one cache tier. Keys are opaque "namespace:raw" strings; values
// are opaque bytes — the cache never interprets them.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags []string) error
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key starting with prefix and returns the
	// number of entries removed.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// DeleteTag removes every key carrying tag and returns the number of
	// entries removed.
	DeleteTag(ctx context.Context, tag string) (int, error)

	Close() error
}
