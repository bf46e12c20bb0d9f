// Package cache provides the bounded, TTL-keyed result store consulted by
// the request pipeline before provider invocation. It is built as two tiers:
// a fast in-process LRU tier that is always consulted first, and an optional
// shared external tier (Redis) a miss falls through to before counting as a
// full miss.
package cache

import (
	"context"
	"strings"
	"time"
)

// Cache is the contract shared by both tiers and by the tiered composition.
type Cache interface {
	// Get returns the live value for key, or ok=false when absent or
	// expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	// Put stores value under key for ttl.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Invalidate removes one key.
	Invalidate(ctx context.Context, key string) error
	// InvalidatePrefix removes every key beginning with prefix.
	InvalidatePrefix(ctx context.Context, prefix string) error
	// Close releases resources held by the tier.
	Close() error
}

// Key derives the cache key for one call from the method, the target
// capability, the caller's identity class and the canonicalized arguments.
// Method and target come first so KeyPrefix can clear every caller's entries
// when a capability changes.
func Key(method, target, identityClass, canonicalArgs string) string {
	var b strings.Builder
	b.Grow(len(method) + len(target) + len(identityClass) + len(canonicalArgs) + 3)
	b.WriteString(method)
	b.WriteByte('|')
	b.WriteString(target)
	b.WriteByte('|')
	b.WriteString(identityClass)
	b.WriteByte('|')
	b.WriteString(canonicalArgs)
	return b.String()
}

// KeyPrefix covers every entry under method regardless of caller identity
// and arguments, narrowed to one target when target is non-empty.
func KeyPrefix(method, target string) string {
	if target == "" {
		return method + "|"
	}
	return method + "|" + target + "|"
}
