// Package ratelimit implements the per-identity, per-operation fixed-window
// rate limiter consulted by the request pipeline. State is sharded by key so
// one hot identity never serializes unrelated traffic behind a global lock.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// ClassConfig configures one operation class.
type ClassConfig struct {
	// Window is the fixed window length.
	Window time.Duration
	// Ceiling is the maximum number of acquisitions per window.
	Ceiling int
}

// Config maps operation classes to their limits. The empty class key, if
// present, is the default for classes without an explicit entry.
type Config map[string]ClassConfig

// Decision is the outcome of one TryAcquire call.
type Decision struct {
	Allowed bool
	// RetryAfter hints when the window reopens. Zero when allowed.
	RetryAfter time.Duration
}

type window struct {
	start time.Time
	count int
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter is a fixed-window counter keyed by (identity, operation class).
type Limiter struct {
	config Config
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates a limiter from per-class configuration.
func New(config Config) *Limiter {
	l := &Limiter{config: config, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

func (l *Limiter) classConfig(class string) (ClassConfig, bool) {
	if cfg, ok := l.config[class]; ok {
		return cfg, true
	}
	cfg, ok := l.config[""]
	return cfg, ok
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// TryAcquire consumes one slot from the (identity, class) window. The
// increment-and-compare is a single atomic step under the shard lock; window
// resets are atomic with respect to concurrent increments. Classes without
// configuration are unlimited.
func (l *Limiter) TryAcquire(identity, class string) Decision {
	cfg, ok := l.classConfig(class)
	if !ok || cfg.Ceiling <= 0 {
		return Decision{Allowed: true}
	}

	key := identity + "|" + class
	s := l.shardFor(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := l.now()
	w, exists := s.windows[key]
	if !exists || now.Sub(w.start) >= cfg.Window {
		w = &window{start: now}
		s.windows[key] = w
	}

	if w.count >= cfg.Ceiling {
		return Decision{
			Allowed:    false,
			RetryAfter: cfg.Window - now.Sub(w.start),
		}
	}
	w.count++
	return Decision{Allowed: true}
}

// Sweep discards windows idle longer than the given age. Intended to be
// called periodically by the owner.
func (l *Limiter) Sweep(olderThan time.Duration) {
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.windows {
			if now.Sub(w.start) >= olderThan {
				delete(s.windows, key)
			}
		}
		s.mu.Unlock()
	}
}
