package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type localEntry struct {
	value     []byte
	createdAt time.Time
	ttl       time.Duration
}

func (e *localEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// Local is the in-process tier: an LRU-bounded map with per-entry TTL.
// Eviction by entry count is independent of TTL expiry; expired entries are
// dropped lazily on read and proactively by a background sweep, which
// converge to the same visible behavior.
type Local struct {
	mu    sync.Mutex
	lru   *lru.Cache[string, *localEntry]
	now   func() time.Time
	stop  chan struct{}
	once  sync.Once
	sweep time.Duration
}

// LocalConfig configures the in-process tier.
type LocalConfig struct {
	// MaxEntries is the LRU ceiling (default 1024).
	MaxEntries int
	// SweepInterval between proactive expiry passes (default 1m; <0
	// disables the sweeper).
	SweepInterval time.Duration
}

// NewLocal creates the in-process tier.
func NewLocal(config LocalConfig) (*Local, error) {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1024
	}
	if config.SweepInterval == 0 {
		config.SweepInterval = time.Minute
	}

	backing, err := lru.New[string, *localEntry](config.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	l := &Local{
		lru:   backing,
		now:   time.Now,
		stop:  make(chan struct{}),
		sweep: config.SweepInterval,
	}
	if config.SweepInterval > 0 {
		go l.sweepLoop()
	}
	return l, nil
}

// Get implements Cache.
func (l *Local) Get(ctx context.Context, key string) ([]byte, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if entry.expired(l.now()) {
		l.lru.Remove(key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Put implements Cache. Non-positive TTLs are not stored.
func (l *Local) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	l.mu.Lock()
	l.lru.Add(key, &localEntry{value: stored, createdAt: l.now(), ttl: ttl})
	l.mu.Unlock()
	return nil
}

// Invalidate implements Cache.
func (l *Local) Invalidate(ctx context.Context, key string) error {
	l.mu.Lock()
	l.lru.Remove(key)
	l.mu.Unlock()
	return nil
}

// InvalidatePrefix implements Cache.
func (l *Local) InvalidatePrefix(ctx context.Context, prefix string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, key := range l.lru.Keys() {
		if strings.HasPrefix(key, prefix) {
			l.lru.Remove(key)
		}
	}
	return nil
}

// Close stops the background sweep and drops all entries.
func (l *Local) Close() error {
	l.once.Do(func() { close(l.stop) })
	l.mu.Lock()
	l.lru.Purge()
	l.mu.Unlock()
	return nil
}

// Len returns the current entry count.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lru.Len()
}

func (l *Local) sweepLoop() {
	ticker := time.NewTicker(l.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweepExpired()
		}
	}
}

func (l *Local) sweepExpired() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for _, key := range l.lru.Keys() {
		if entry, ok := l.lru.Peek(key); ok && entry.expired(now) {
			l.lru.Remove(key)
		}
	}
}
