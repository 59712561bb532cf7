// Package interfaces provides service interfaces for dependency injection.
package interfaces

import (
	"context"
	"time"
)

// Cache is the two-tier read-through cache over the local and remote
// tiers. Values are JSON-encoded; large payloads are compressed
// transparently. Remote tier failures degrade to misses, never errors.
type Cache interface {
	// Get decodes the cached value into dest and reports whether a live
	// entry was found under the sub-prefix.
	Get(ctx context.Context, prefix, key string, dest interface{}) (bool, error)

	// Set writes both tiers. A zero ttl uses the configured default.
	Set(ctx context.Context, prefix, key string, value interface{}, ttl time.Duration) error

	// Delete removes the key from both tiers.
	Delete(ctx context.Context, prefix, key string) error

	// ClearPrefix removes every key under the sub-prefix from both tiers.
	// Remote enumeration is approximate; stragglers expire by TTL.
	ClearPrefix(ctx context.Context, prefix string) error

	Close() error
}
