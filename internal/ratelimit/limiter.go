// Package ratelimit provides an in-memory fixed-window call budget keyed by
// credential or access-token identity.
//
// Fixed windows allow a short burst of up to twice the limit across a window
// boundary. Providers enforce comparable windows themselves, so the limiter
// only has to keep us from tripping their quota, not smooth traffic.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

// Limit is a call budget of Count calls per Window.
type Limit struct {
	Count  int           `yaml:"count" mapstructure:"count"`
	Window time.Duration `yaml:"window" mapstructure:"window"`
}

// PerWindow builds a Limit from a count and a window in milliseconds.
func PerWindow(count int, windowMs int64) Limit {
	return Limit{Count: count, Window: time.Duration(windowMs) * time.Millisecond}
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// ResetInSeconds returns ResetIn rounded up to whole seconds.
func (d Decision) ResetInSeconds() int {
	if d.ResetIn <= 0 {
		return 0
	}
	return int(math.Ceil(d.ResetIn.Seconds()))
}

type window struct {
	start time.Time
	count int
	limit Limit
}

// Limiter tracks one fixed window per key. The zero value is not usable;
// call New.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*window),
		nowFunc: time.Now,
	}
}

// Allow counts one call against key. The first call for a key, or the first
// call after the key's window has elapsed, starts a new window with a count
// of 1. Calls past the limit are rejected until the window resets.
func (l *Limiter) Allow(key string, limit Limit) Decision {
	if limit.Count <= 0 || limit.Window <= 0 {
		return Decision{Allowed: true, Remaining: math.MaxInt}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= w.limit.Window {
		l.windows[key] = &window{start: now, count: 1, limit: limit}
		return Decision{
			Allowed:   true,
			Remaining: limit.Count - 1,
			ResetIn:   limit.Window,
		}
	}

	w.count++
	resetIn := w.limit.Window - now.Sub(w.start)
	if w.count > w.limit.Count {
		return Decision{Allowed: false, Remaining: 0, ResetIn: resetIn}
	}
	return Decision{
		Allowed:   true,
		Remaining: w.limit.Count - w.count,
		ResetIn:   resetIn,
	}
}

// Cleanup removes windows that have elapsed and returns how many were dropped.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	dropped := 0
	for key, w := range l.windows {
		if now.Sub(w.start) >= w.limit.Window {
			delete(l.windows, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of tracked windows.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
