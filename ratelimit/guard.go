// Package ratelimit implements the per-principal request rate guard.
//
// The guard keeps a sliding window of request timestamps per key. State is
// in-memory only and resets on process restart; this is an accepted
// limitation of the service.
package ratelimit

import (
	"sync"
	"time"

	"github.com/gnosisgraph/gnosis/errors"
)

// Default limits: 60 requests per 60 second window.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = 60 * time.Second
)

// Guard is a sliding-window rate limiter keyed by principal identity.
// Safe for concurrent use; each key has its own lock so contention on one
// principal never blocks another.
type Guard struct {
	maxRequests int
	window      time.Duration
	now         func() time.Time

	mu   sync.Mutex // guards the keys map, not the per-key windows
	keys map[string]*window
}

type window struct {
	mu     sync.Mutex
	stamps []time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// NewGuard creates a rate guard admitting maxRequests per sliding window.
// Non-positive arguments fall back to the defaults.
func NewGuard(maxRequests int, windowSize time.Duration, opts ...Option) *Guard {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if windowSize <= 0 {
		windowSize = DefaultWindow
	}
	g := &Guard{
		maxRequests: maxRequests,
		window:      windowSize,
		now:         time.Now,
		keys:        make(map[string]*window),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the sliding-window duration, which is also the
// retry-after interval signalled on rejection.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Allow records a request for key and admits it, or rejects with
// ErrRateLimited when the key already made maxRequests calls within the
// window.
func (g *Guard) Allow(key string) error {
	w := g.keyWindow(key)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.window)

	// Prune timestamps that fell out of the window
	kept := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.stamps = kept

	if len(w.stamps) >= g.maxRequests {
		return errors.Wrapf(errors.ErrRateLimited,
			"key %q exceeded %d requests per %s", key, g.maxRequests, g.window)
	}

	w.stamps = append(w.stamps, now)
	return nil
}

func (g *Guard) keyWindow(key string) *window {
	g.mu.Lock()
	defer g.mu.Unlock()
	w, ok := g.keys[key]
	if !ok {
		w = &window{}
		g.keys[key] = w
	}
	return w
}
