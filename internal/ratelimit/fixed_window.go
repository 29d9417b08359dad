// Package ratelimit implements fixed-window request counting. Two limiter
// instances back the worker's two tiers: anonymous (keyed by source address)
// and identity (keyed by authenticated subject, falling back to the source
// address).
package ratelimit

import (
	"sync"
	"time"
)

// Decision captures the result of one rate limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type windowCounter struct {
	count    int
	windowID int64
	lastSeen time.Time
}

// Limiter counts requests per key in fixed windows. The counter resets only
// when the window containing now changes; a rejected attempt still counts, so
// hammering a closed window cannot restart it early.
type Limiter struct {
	limit  int
	window time.Duration

	mu     sync.Mutex
	counts map[string]*windowCounter
	checks uint64
}

func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		counts: make(map[string]*windowCounter),
	}
}

func (l *Limiter) windowID(t time.Time) int64 {
	return t.UnixNano() / int64(l.window)
}

func (l *Limiter) windowEnd(t time.Time) time.Time {
	id := l.windowID(t)
	return time.Unix(0, (id+1)*int64(l.window))
}

// Check records one request for key at now and reports whether it is allowed.
func (l *Limiter) Check(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.checks++
	if l.checks%512 == 0 {
		l.evictStale(now)
	}

	id := l.windowID(now)
	wc, ok := l.counts[key]
	if !ok || wc.windowID != id {
		wc = &windowCounter{windowID: id}
		l.counts[key] = wc
	}
	wc.count++
	wc.lastSeen = now

	remaining := l.limit - wc.count
	if remaining < 0 {
		remaining = 0
	}
	d := Decision{
		Allowed:   wc.count <= l.limit,
		Limit:     l.limit,
		Remaining: remaining,
	}
	if !d.Allowed {
		d.RetryAfter = l.windowEnd(now).Sub(now)
	}
	return d
}

// Tracked reports how many keys currently hold a window counter.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

func (l *Limiter) evictStale(now time.Time) {
	cutoff := now.Add(-2 * l.window)
	for key, wc := range l.counts {
		if wc.lastSeen.Before(cutoff) {
			delete(l.counts, key)
		}
	}
}
