// Package ratelimit implements per-principal rate limiting with sliding
// window counters. Two implementations share one interface: an in-process
// limiter for single-node deployments and a Redis-backed one (atomic Lua
// script) for fleets.
package ratelimit

import (
	"context"
	"time"
)

// Default limits applied when a config value is zero.
const (
	DefaultPerMinute   = 60
	DefaultBurst       = 10
	burstWindow        = 5 * time.Second
	perMinuteWindowDur = time.Minute
)

// Decision is the outcome of one admission check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the per-minute window
	// after this one.
	Remaining int

	// Reset is when the oldest request in the window falls out, i.e. when
	// capacity is next guaranteed to free up.
	Reset time.Time
}

// Limiter admits or rejects requests for a principal (API key, user id, or
// client address when anonymous).
type Limiter interface {
	Allow(ctx context.Context, principal string) (Decision, error)
}

// Limits carries the per-principal caps.
type Limits struct {
	// PerMinute caps requests in any sliding 60 second window.
	PerMinute int

	// Burst caps requests in any sliding 5 second window.
	Burst int
}

func (l Limits) withDefaults() Limits {
	if l.PerMinute <= 0 {
		l.PerMinute = DefaultPerMinute
	}
	if l.Burst <= 0 {
		l.Burst = DefaultBurst
	}
	return l
}
