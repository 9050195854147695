// Package ratelimit provides sliding-window admission control for the
// generation backend.
//
// The limiter records the timestamp of every granted request and prunes
// entries older than the window on each call. This gives exact
// count-in-window semantics: a burst of N+1 calls inside one window admits
// exactly N, and admission resumes as soon as the oldest grant ages out.
//
// The window is process-wide shared state: every generation call, across all
// conversations, draws from the same budget. All operations are guarded by a
// mutex so the limiter is safe for concurrent use.
package ratelimit

import (
	"sync"
	"time"
)

// Default reference values for the generation backend budget.
const (
	DefaultMaxRequests = 60
	DefaultWindow      = time.Minute
)

// SlidingWindow is a sliding-window counter limiter.
//
// The zero value is not usable; construct with New.
type SlidingWindow struct {
	mu     sync.Mutex
	grants []time.Time

	maxRequests int
	window      time.Duration

	now func() time.Time // injectable clock for tests
}

// New creates a limiter admitting at most maxRequests per window.
// Non-positive arguments fall back to the defaults.
func New(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		grants:      make([]time.Time, 0, maxRequests),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// NewWithClock creates a limiter with an injected clock. Tests use this to
// step time deterministically.
func NewWithClock(maxRequests int, window time.Duration, now func() time.Time) *SlidingWindow {
	l := New(maxRequests, window)
	if now != nil {
		l.now = now
	}
	return l
}

// Allow reports whether one more request may proceed. A granted request is
// recorded against the window; a denied request records nothing.
func (l *SlidingWindow) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.grants) >= l.maxRequests {
		return false
	}
	l.grants = append(l.grants, now)
	return true
}

// Remaining returns how many requests the current window still admits.
func (l *SlidingWindow) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	return l.maxRequests - len(l.grants)
}

// RetryAfter returns how long until the next request could be admitted.
// Zero means a request would be admitted now.
func (l *SlidingWindow) RetryAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.grants) < l.maxRequests {
		return 0
	}
	// Oldest grant is at the front; it ages out window after it was recorded.
	return l.grants[0].Add(l.window).Sub(now)
}

// prune drops grants older than the window. Caller holds l.mu.
func (l *SlidingWindow) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}
