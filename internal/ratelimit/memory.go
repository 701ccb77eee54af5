package ratelimit

import (
	"context"
	"sync"
	"time"
)

// principalWindow holds the request timestamps for one principal, oldest
// first. Guarded by the MemoryLimiter mutex.
type principalWindow struct {
	stamps   []time.Time
	lastSeen time.Time
}

// MemoryLimiter is an in-process sliding window limiter. A request is
// admitted only when both the per-minute and the burst window have room;
// admission appends exactly one timestamp, so the two windows are views
// over the same history.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*principalWindow
	limits  Limits

	now func() time.Time
}

// NewMemoryLimiter creates a limiter with the given caps. Zero caps use the
// package defaults.
func NewMemoryLimiter(limits Limits) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*principalWindow),
		limits:  limits.withDefaults(),
		now:     time.Now,
	}
}

// Allow checks the principal against both windows and records the request
// when admitted. The error return is always nil; it exists to satisfy
// Limiter alongside the Redis implementation.
func (l *MemoryLimiter) Allow(_ context.Context, principal string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[principal]
	if !ok {
		w = &principalWindow{}
		l.windows[principal] = w
	}
	w.lastSeen = now

	// Drop entries older than the minute window; the burst window is a
	// suffix of what remains.
	cutoff := now.Add(-perMinuteWindowDur)
	i := 0
	for i < len(w.stamps) && !w.stamps[i].After(cutoff) {
		i++
	}
	w.stamps = w.stamps[i:]

	burstCutoff := now.Add(-burstWindow)
	burstCount := 0
	for j := len(w.stamps) - 1; j >= 0; j-- {
		if !w.stamps[j].After(burstCutoff) {
			break
		}
		burstCount++
	}

	d := Decision{Reset: l.resetLocked(w, now)}

	if len(w.stamps) >= l.limits.PerMinute || burstCount >= l.limits.Burst {
		d.Remaining = l.limits.PerMinute - len(w.stamps)
		if d.Remaining < 0 {
			d.Remaining = 0
		}
		return d, nil
	}

	w.stamps = append(w.stamps, now)
	d.Allowed = true
	d.Remaining = l.limits.PerMinute - len(w.stamps)
	d.Reset = l.resetLocked(w, now)
	return d, nil
}

// resetLocked reports when the oldest in-window request expires.
func (l *MemoryLimiter) resetLocked(w *principalWindow, now time.Time) time.Time {
	if len(w.stamps) == 0 {
		return now
	}
	return w.stamps[0].Add(perMinuteWindowDur)
}

// Prune drops principals idle longer than maxIdle. Callers run it
// periodically to keep the map from growing with one-shot clients.
func (l *MemoryLimiter) Prune(maxIdle time.Duration) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for p, w := range l.windows {
		if now.Sub(w.lastSeen) > maxIdle {
			delete(l.windows, p)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked principals.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
