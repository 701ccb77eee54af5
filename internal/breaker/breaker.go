// Package breaker implements the per-provider circuit breaker.
//
// Each breaker is a three-state machine (closed, open, half-open) driven by
// consecutive success/failure counts. The open→half-open transition is lazy:
// it happens on the next admission check after the cooldown elapses, so no
// background timer is needed.
package breaker

import (
	"sync"
	"time"

	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

// State represents the operational state of a breaker.
//
//	StateClosed   — normal operation; all requests pass through.
//	StateOpen     — provider is failing; requests are rejected immediately.
//	StateHalfOpen — recovery; a bounded number of probes may be in flight.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// String returns the metric-label form of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default thresholds. Applied when the corresponding Config field is zero.
const (
	DefaultFailureThreshold   = 5
	DefaultSuccessThreshold   = 3
	DefaultOpenDuration       = 30 * time.Second
	DefaultHalfOpenProbeLimit = 1
)

// Config holds breaker tuning parameters. Zero values use the defaults above.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the
	// breaker from closed to open.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe successes
	// required to close the breaker.
	SuccessThreshold int

	// OpenDuration is how long the breaker stays open before admitting
	// half-open probes.
	OpenDuration time.Duration

	// HalfOpenProbeLimit bounds the number of concurrently admitted probes
	// while half-open.
	HalfOpenProbeLimit int
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c Config) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

func (c Config) probeLimit() int {
	if c.HalfOpenProbeLimit > 0 {
		return c.HalfOpenProbeLimit
	}
	return DefaultHalfOpenProbeLimit
}

// Breaker gates requests to a single provider. Safe for concurrent use;
// one mutex guards the state and all counters so admission decisions
// linearize with the success/failure reports that drive transitions.
type Breaker struct {
	name string
	cfg  Config

	mu sync.Mutex

	state            State
	consecSuccesses  int
	consecFailures   int
	totalRequests    int64
	totalSuccesses   int64
	totalFailures    int64
	lastTransition   time.Time
	halfOpenInFlight int

	// now is replaceable in tests to fast-forward the cooldown clock.
	now func() time.Time
}

// New creates a closed breaker for the named provider.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:           name,
		cfg:            cfg,
		state:          StateClosed,
		lastTransition: time.Now(),
		now:            time.Now,
	}
}

// TryAdmit reports whether the next request may proceed.
//
//   - Closed   → admitted.
//   - Open     → rejected with a CircuitOpenError carrying the remaining
//     cooldown, unless the cooldown elapsed, in which case the breaker
//     transitions to half-open and the request is admitted as a probe.
//   - HalfOpen → admitted while fewer than HalfOpenProbeLimit probes are in
//     flight; rejected otherwise.
//
// Every admission increments the total request counter; half-open admissions
// additionally increment the in-flight probe counter, which OnSuccess and
// OnFailure decrement on completion.
func (b *Breaker) TryAdmit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.totalRequests++
		return nil

	case StateOpen:
		elapsed := b.now().Sub(b.lastTransition)
		if elapsed < b.cfg.openDuration() {
			return &gwerr.CircuitOpenError{
				Provider:  b.name,
				Remaining: b.cfg.openDuration() - elapsed,
			}
		}
		// Cooldown elapsed — transition to half-open and admit this request
		// as the first probe.
		b.transitionLocked(StateHalfOpen)
		b.halfOpenInFlight = 1
		b.totalRequests++
		return nil

	default: // StateHalfOpen
		if b.halfOpenInFlight >= b.cfg.probeLimit() {
			return &gwerr.CircuitOpenError{Provider: b.name, Remaining: 0}
		}
		b.halfOpenInFlight++
		b.totalRequests++
		return nil
	}
}

// OnSuccess records a successful completion and advances the state machine:
// enough consecutive half-open successes close the breaker.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecFailures = 0
	b.consecSuccesses++

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if b.consecSuccesses >= b.cfg.successThreshold() {
			b.transitionLocked(StateClosed)
			b.consecSuccesses = 0
		}
	}
}

// OnFailure records a failed completion. A closed breaker opens once the
// consecutive-failure threshold is reached; a half-open breaker reopens on
// any probe failure.
func (b *Breaker) OnFailure(_ error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecSuccesses = 0
	b.consecFailures++

	switch b.state {
	case StateClosed:
		if b.consecFailures >= b.cfg.failureThreshold() {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.transitionLocked(StateOpen)
	}
}

// ForceOpen trips the breaker regardless of counters (manual kill switch).
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen)
}

// Reset returns the breaker to closed with all counters zeroed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecSuccesses = 0
	b.consecFailures = 0
	b.totalRequests = 0
	b.totalSuccesses = 0
	b.totalFailures = 0
	b.halfOpenInFlight = 0
	b.lastTransition = b.now()
}

// State returns the current state without mutating it. Note that an open
// breaker whose cooldown elapsed still reports open until the next TryAdmit.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker for stats and metrics.
type Snapshot struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecSuccesses  int       `json:"consecutive_successes"`
	ConsecFailures   int       `json:"consecutive_failures"`
	TotalRequests    int64     `json:"total_requests"`
	TotalSuccesses   int64     `json:"total_successes"`
	TotalFailures    int64     `json:"total_failures"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	LastTransition   time.Time `json:"last_transition"`
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:             b.name,
		State:            b.state.String(),
		ConsecSuccesses:  b.consecSuccesses,
		ConsecFailures:   b.consecFailures,
		TotalRequests:    b.totalRequests,
		TotalSuccesses:   b.totalSuccesses,
		TotalFailures:    b.totalFailures,
		HalfOpenInFlight: b.halfOpenInFlight,
		LastTransition:   b.lastTransition,
	}
}

// transitionLocked changes state and stamps the transition time.
// Callers must hold b.mu.
func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.lastTransition = b.now()
	if to == StateHalfOpen {
		// Closing requires successThreshold consecutive probe successes;
		// successes reported while open must not count toward it.
		b.consecSuccesses = 0
	} else {
		b.halfOpenInFlight = 0
	}
}
