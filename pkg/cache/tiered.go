package cache

import (
	"context"
	"time"
)

// Tiered composes the in-process tier with an optional external tier. The
// local tier is always consulted first; a miss falls through to the external
// tier (when configured) before counting as a full miss, and external hits
// are backfilled locally.
type Tiered struct {
	local  Cache
	remote Cache // nil when no external tier is configured
	// backfillTTL bounds how long an external hit lives in the local
	// tier. The external tier keeps authoritative expiry.
	backfillTTL time.Duration
}

// TieredConfig configures the composition.
type TieredConfig struct {
	// BackfillTTL for locally caching external hits (default 10s).
	BackfillTTL time.Duration
}

// NewTiered composes local and remote. remote may be nil.
func NewTiered(local Cache, remote Cache, config TieredConfig) *Tiered {
	if config.BackfillTTL <= 0 {
		config.BackfillTTL = 10 * time.Second
	}
	return &Tiered{local: local, remote: remote, backfillTTL: config.BackfillTTL}
}

// Get implements Cache.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := t.local.Get(ctx, key)
	if err != nil || ok {
		return value, ok, err
	}
	if t.remote == nil {
		return nil, false, nil
	}

	value, ok, err = t.remote.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	// Keep the hot entry close; the remote tier still owns expiry.
	_ = t.local.Put(ctx, key, value, t.backfillTTL)
	return value, true, nil
}

// Put implements Cache, writing through to both tiers.
func (t *Tiered) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := t.local.Put(ctx, key, value, ttl); err != nil {
		return err
	}
	if t.remote != nil {
		return t.remote.Put(ctx, key, value, ttl)
	}
	return nil
}

// Invalidate implements Cache across both tiers.
func (t *Tiered) Invalidate(ctx context.Context, key string) error {
	if err := t.local.Invalidate(ctx, key); err != nil {
		return err
	}
	if t.remote != nil {
		return t.remote.Invalidate(ctx, key)
	}
	return nil
}

// InvalidatePrefix implements Cache across both tiers.
func (t *Tiered) InvalidatePrefix(ctx context.Context, prefix string) error {
	if err := t.local.InvalidatePrefix(ctx, prefix); err != nil {
		return err
	}
	if t.remote != nil {
		return t.remote.InvalidatePrefix(ctx, prefix)
	}
	return nil
}

// Close implements Cache across both tiers.
func (t *Tiered) Close() error {
	err := t.local.Close()
	if t.remote != nil {
		if rerr := t.remote.Close(); err == nil {
			err = rerr
		}
	}
	return err
}
