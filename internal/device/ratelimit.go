package device

import (
	"sync"
	"time"
)

// DefaultRateLimit is the number of messages a device may send per window.
const DefaultRateLimit = 50

// rateWindow is the length of one rate-limit window.
const rateWindow = time.Second

type rateEntry struct {
	count int
	start time.Time
}

// RateLimiter admits at most a fixed number of messages per key per second.
//
// Windows are fixed, not sliding: the first message after a window expires
// opens a new one. All methods are safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	max     int
	entries map[string]*rateEntry
	logger  Logger
}

// NewRateLimiter creates a limiter admitting limit messages per second per key.
// A non-positive limit uses DefaultRateLimit.
func NewRateLimiter(limit int) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	return &RateLimiter{
		max:     limit,
		entries: make(map[string]*rateEntry),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger used for over-limit warnings.
func (l *RateLimiter) SetLogger(logger Logger) {
	l.mu.Lock()
	l.logger = logger
	l.mu.Unlock()
}

// Allow records a message for key at now and reports whether it is admitted.
// Only the first rejected message in a window is logged.
func (l *RateLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok || now.Sub(e.start) >= rateWindow {
		l.entries[key] = &rateEntry{count: 1, start: now}
		return true
	}

	e.count++
	if e.count > l.max {
		if e.count == l.max+1 {
			l.logger.Warn("device rate limit exceeded", "device", key, "limit", l.max)
		}
		return false
	}
	return true
}

// Prune removes windows that expired before now and returns how many were removed.
func (l *RateLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.entries {
		if now.Sub(e.start) >= rateWindow {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
