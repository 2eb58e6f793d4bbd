// Package stripe provides a fixed pool of mutexes shared by cache keys.
//
// A key always maps to the same stripe, so holding a key's stripe serializes
// every mutation of that key. Unrelated keys usually land on different stripes
// and proceed in parallel; a collision only costs extra serialization.
package stripe

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/wolfeidau/buildcache/telemetry"
)

const (
	// MinStripes is the smallest pool size.
	MinStripes = 512

	// MaxStripes caps the pool size.
	MaxStripes = 1 << 20

	// DefaultSlowThreshold is how long a stripe may be held before a warning is logged.
	DefaultSlowThreshold = 5 * time.Second
)

// Locks is a pool of stripe mutexes. It is safe for concurrent use.
type Locks struct {
	stripes []sync.Mutex
	slow    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures Locks.
type Option func(*Locks)

// WithLogger sets the logger used for slow hold warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Locks) {
		l.logger = logger
	}
}

// WithSlowThreshold sets the hold duration that triggers a warning.
// Zero disables the check.
func WithSlowThreshold(d time.Duration) Option {
	return func(l *Locks) {
		l.slow = d
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Locks) {
		l.now = now
	}
}

// Count returns the pool size used for the given expected concurrency:
// twice the concurrency, at least MinStripes and at most MaxStripes.
func Count(concurrency int) int {
	if concurrency > MaxStripes/2 {
		return MaxStripes
	}
	return max(MinStripes, 2*concurrency)
}

// New creates a pool sized for concurrency callers.
func New(concurrency int, opts ...Option) *Locks {
	l := &Locks{
		stripes: make([]sync.Mutex, Count(concurrency)),
		slow:    DefaultSlowThreshold,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Len returns the number of stripes.
func (l *Locks) Len() int {
	return len(l.stripes)
}

// Index returns the stripe assigned to key.
func (l *Locks) Index(key []byte) int {
	return int(xxhash.Sum64(key) % uint64(len(l.stripes)))
}

// Lock blocks until key's stripe is held and returns the function that releases it.
// The returned function must be called exactly once.
func (l *Locks) Lock(key []byte) (unlock func()) {
	i := l.Index(key)
	l.stripes[i].Lock()
	return l.unlocker(i, key)
}

// TryLock acquires key's stripe only if it is free. ok is false when the stripe
// is held by another caller.
func (l *Locks) TryLock(key []byte) (unlock func(), ok bool) {
	i := l.Index(key)
	if !l.stripes[i].TryLock() {
		return nil, false
	}
	return l.unlocker(i, key), true
}

func (l *Locks) unlocker(i int, key []byte) func() {
	if l.slow <= 0 {
		return l.stripes[i].Unlock
	}

	acquired := l.now()
	return func() {
		held := l.now().Sub(acquired)
		l.stripes[i].Unlock()

		if held >= l.slow {
			l.logger.Warn("stripe lock held for a long time",
				"stripe", i,
				"key", key,
				"held", held,
			)
			telemetry.RecordSlowLockHold(context.Background(), held)
		}
	}
}
