package mapsync

import (
	"sync"
	"time"
)

// Default per-type message rate limits, per sliding one-second window.
const (
	DefaultRateLimit       = 100
	CursorUpdateRateLimit  = 10
	SyncOperationRateLimit = 30
)

// RateLimiter enforces per-message-type sliding-window rate limits. High
// priority sends bypass it at the call site; the limiter itself only counts
// and answers.
type RateLimiter struct {
	mu sync.Mutex

	window       time.Duration
	defaultLimit int
	limits       map[MessageType]int
	events       map[MessageType][]time.Time
	violations   map[MessageType]int64

	now func() time.Time
}

// NewRateLimiter creates a limiter with the default per-type limits over a
// one-second sliding window.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		window:       time.Second,
		defaultLimit: DefaultRateLimit,
		limits: map[MessageType]int{
			MessageCursorUpdate:  CursorUpdateRateLimit,
			MessageSyncOperation: SyncOperationRateLimit,
		},
		events:     make(map[MessageType][]time.Time),
		violations: make(map[MessageType]int64),
		now:        time.Now,
	}
}

// SetLimit overrides the limit for one message type.
func (l *RateLimiter) SetLimit(t MessageType, perWindow int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[t] = perWindow
}

// Allow records one send attempt of the given type and reports whether it
// fits in the current window. A rejected attempt counts as a violation and
// is not recorded against the window.
func (l *RateLimiter) Allow(t MessageType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	events := l.events[t]
	kept := events[:0]
	for _, at := range events {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	limit := l.defaultLimit
	if override, ok := l.limits[t]; ok {
		limit = override
	}

	if len(kept) >= limit {
		l.events[t] = kept
		l.violations[t]++
		return false
	}

	l.events[t] = append(kept, now)
	return true
}

// Violations returns the per-type violation counters.
func (l *RateLimiter) Violations() map[MessageType]int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[MessageType]int64, len(l.violations))
	for t, n := range l.violations {
		out[t] = n
	}
	return out
}

// Reset clears all windows and violation counters.
func (l *RateLimiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make(map[MessageType][]time.Time)
	l.violations = make(map[MessageType]int64)
}
