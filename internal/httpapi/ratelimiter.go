package httpapi

import (
	"sync"
	"time"
)

// WindowLimiter admits at most limit events within a sliding window.
type WindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu    sync.Mutex
	stamp []time.Time
}

// NewWindowLimiter constructs a limiter; a zero window or limit disables it.
func NewWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *WindowLimiter {
	l := &WindowLimiter{window: window, limit: limit, now: timeSource}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Allow reports whether the caller may proceed under the current rate limit.
func (l *WindowLimiter) Allow() bool {
	if l == nil || l.limit <= 0 || l.window <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	live := 0
	for _, ts := range l.stamp {
		if ts.After(cutoff) {
			l.stamp[live] = ts
			live++
		}
	}
	l.stamp = l.stamp[:live]
	if live >= l.limit {
		return false
	}
	l.stamp = append(l.stamp, now)
	return true
}
