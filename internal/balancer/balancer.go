// Package balancer selects an upstream provider for each request and tracks
// per-provider health.
//
// Selection strategies range from plain round-robin to latency- and
// connection-aware choices. Health flips on consecutive failure/success
// streaks; an optional background probe (see probe.go) exercises a health
// URL the same way real traffic does.
package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

// Strategy names a selection rule.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	Weighted         Strategy = "weighted"
	LeastConnections Strategy = "least_connections"
	LatencyBased     Strategy = "latency_based"
	Failover         Strategy = "failover"
	Random           Strategy = "random"
)

// Default health thresholds. The failure threshold sits above the circuit
// breaker's default so that short failure runs are gated per provider by the
// breaker; the balancer removes a provider from selection only on a
// sustained run that outlasts the breaker's open threshold.
const (
	DefaultFailureThreshold  = 10
	DefaultRecoveryThreshold = 2

	// latencyAlpha is the EWMA smoothing factor for average latency.
	latencyAlpha = 0.2
)

// Config tunes a Balancer. Zero values use the defaults above.
type Config struct {
	// Strategy selects the provider-selection rule. Default: round_robin.
	Strategy Strategy

	// FailureThreshold is the consecutive-failure count that marks a healthy
	// provider unhealthy.
	FailureThreshold int

	// RecoveryThreshold is the consecutive-success count that marks an
	// unhealthy provider healthy again.
	RecoveryThreshold int

	// OnHealthChange, when set, is invoked (outside the balancer lock) each
	// time a provider's health flips.
	OnHealthChange func(provider string, healthy bool)
}

// healthRecord holds the mutable health state for one provider.
// Guarded by the Balancer mutex.
type healthRecord struct {
	healthy         bool
	consecSuccesses int
	consecFailures  int
	avgLatencyMs    float64
	activeConns     int
	totalRequests   int64
	failedRequests  int64
	lastCheck       time.Time
}

// member is one registered provider in registration order.
type member struct {
	name      string
	weight    int
	priority  int
	healthURL string
	health    healthRecord
}

// Balancer picks providers and maintains their health records. One mutex
// guards the member list, the round-robin index, and every health record,
// so selection linearizes with the start/success/failure reports.
type Balancer struct {
	mu      sync.Mutex
	members []*member // registration order
	byName  map[string]*member
	rrIdx   int
	rnd     *rand.Rand

	strategy          Strategy
	failureThreshold  int
	recoveryThreshold int
	onHealthChange    func(string, bool)
}

// New creates an empty balancer.
func New(cfg Config) *Balancer {
	strategy := cfg.Strategy
	if strategy == "" {
		strategy = RoundRobin
	}
	ft := cfg.FailureThreshold
	if ft <= 0 {
		ft = DefaultFailureThreshold
	}
	rt := cfg.RecoveryThreshold
	if rt <= 0 {
		rt = DefaultRecoveryThreshold
	}

	return &Balancer{
		byName:            make(map[string]*member),
		rnd:               rand.New(rand.NewSource(time.Now().UnixNano())),
		strategy:          strategy,
		failureThreshold:  ft,
		recoveryThreshold: rt,
		onHealthChange:    cfg.OnHealthChange,
	}
}

// Register adds a provider. Providers start healthy. Re-registering an
// existing name updates its weight, priority, and health URL in place.
func (b *Balancer) Register(name string, weight, priority int, healthURL string) {
	if weight <= 0 {
		weight = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.byName[name]; ok {
		m.weight = weight
		m.priority = priority
		m.healthURL = healthURL
		return
	}

	m := &member{
		name:      name,
		weight:    weight,
		priority:  priority,
		healthURL: healthURL,
		health:    healthRecord{healthy: true, lastCheck: time.Now()},
	}
	b.members = append(b.members, m)
	b.byName[name] = m
}

// Unregister removes a provider from the pool.
func (b *Balancer) Unregister(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.byName[name]; !ok {
		return
	}
	delete(b.byName, name)
	for i, m := range b.members {
		if m.name == name {
			b.members = append(b.members[:i], b.members[i+1:]...)
			break
		}
	}
}

// Select returns the name of the provider to use for the next request,
// or NoHealthyProviderError when the healthy subset is empty. Selection is
// atomic with respect to health updates.
func (b *Balancer) Select() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	healthy := b.healthyLocked()
	if len(healthy) == 0 {
		return "", &gwerr.NoHealthyProviderError{}
	}

	switch b.strategy {
	case Weighted:
		return b.selectWeightedLocked(healthy), nil
	case LeastConnections:
		return b.selectArgminLocked(healthy, func(m *member) float64 {
			return float64(m.health.activeConns)
		}), nil
	case LatencyBased:
		return b.selectArgminLocked(healthy, func(m *member) float64 {
			return m.health.avgLatencyMs
		}), nil
	case Failover:
		return b.selectArgminLocked(healthy, func(m *member) float64 {
			return float64(m.priority)
		}), nil
	case Random:
		return healthy[b.rnd.Intn(len(healthy))].name, nil
	default: // RoundRobin
		b.rrIdx = (b.rrIdx + 1) % len(healthy)
		return healthy[b.rrIdx].name, nil
	}
}

// healthyLocked projects the healthy subset in registration order.
func (b *Balancer) healthyLocked() []*member {
	out := make([]*member, 0, len(b.members))
	for _, m := range b.members {
		if m.health.healthy {
			out = append(out, m)
		}
	}
	return out
}

// selectWeightedLocked samples proportionally to configured weights.
func (b *Balancer) selectWeightedLocked(healthy []*member) string {
	total := 0
	for _, m := range healthy {
		total += m.weight
	}
	n := b.rnd.Intn(total)
	for _, m := range healthy {
		n -= m.weight
		if n < 0 {
			return m.name
		}
	}
	return healthy[len(healthy)-1].name
}

// selectArgminLocked returns the first member minimizing score — strict
// less-than keeps ties resolved by registration order.
func (b *Balancer) selectArgminLocked(healthy []*member, score func(*member) float64) string {
	best := healthy[0]
	bestScore := score(best)
	for _, m := range healthy[1:] {
		if s := score(m); s < bestScore {
			best, bestScore = m, s
		}
	}
	return best.name
}

// OnRequestStart records a request being dispatched to the provider.
func (b *Balancer) OnRequestStart(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.byName[name]
	if !ok {
		return
	}
	m.health.activeConns++
	m.health.totalRequests++
}

// OnRequestSuccess records a completed request with its observed latency.
// An unhealthy provider recovers after the recovery threshold of
// consecutive successes.
func (b *Balancer) OnRequestSuccess(name string, latency time.Duration) {
	var notify func()

	b.mu.Lock()
	m, ok := b.byName[name]
	if ok {
		h := &m.health
		if h.activeConns > 0 {
			h.activeConns--
		}
		h.consecFailures = 0
		h.consecSuccesses++
		h.lastCheck = time.Now()

		sample := float64(latency.Milliseconds())
		if h.avgLatencyMs == 0 {
			h.avgLatencyMs = sample
		} else {
			h.avgLatencyMs = latencyAlpha*sample + (1-latencyAlpha)*h.avgLatencyMs
		}

		if !h.healthy && h.consecSuccesses >= b.recoveryThreshold {
			h.healthy = true
			notify = b.notifyFn(name, true)
		}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// OnRequestFailure records a failed request. A healthy provider is marked
// unhealthy after the failure threshold of consecutive failures.
func (b *Balancer) OnRequestFailure(name string, _ error) {
	var notify func()

	b.mu.Lock()
	m, ok := b.byName[name]
	if ok {
		h := &m.health
		if h.activeConns > 0 {
			h.activeConns--
		}
		h.consecSuccesses = 0
		h.consecFailures++
		h.failedRequests++
		h.lastCheck = time.Now()

		if h.healthy && h.consecFailures >= b.failureThreshold {
			h.healthy = false
			notify = b.notifyFn(name, false)
		}
	}
	b.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// notifyFn captures the health-change callback for invocation outside the
// lock. Callers must hold b.mu.
func (b *Balancer) notifyFn(name string, healthy bool) func() {
	if b.onHealthChange == nil {
		return nil
	}
	cb := b.onHealthChange
	return func() { cb(name, healthy) }
}

// SetHealthy overrides a provider's health flag (admin operations, tests).
func (b *Balancer) SetHealthy(name string, healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if m, ok := b.byName[name]; ok {
		m.health.healthy = healthy
		m.health.consecSuccesses = 0
		m.health.consecFailures = 0
	}
}

// IsHealthy reports the provider's current health flag.
func (b *Balancer) IsHealthy(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.byName[name]
	return ok && m.health.healthy
}

// HealthSnapshot is a point-in-time view of one provider's health record.
type HealthSnapshot struct {
	Name            string    `json:"name"`
	Healthy         bool      `json:"healthy"`
	Score           float64   `json:"score"`
	ConsecSuccesses int       `json:"consecutive_successes"`
	ConsecFailures  int       `json:"consecutive_failures"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	ActiveConns     int       `json:"active_connections"`
	TotalRequests   int64     `json:"total_requests"`
	FailedRequests  int64     `json:"failed_requests"`
	LastCheck       time.Time `json:"last_check"`
}

// Snapshots returns health records for every provider in registration order.
func (b *Balancer) Snapshots() []HealthSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(b.members))
	for _, m := range b.members {
		h := m.health
		out = append(out, HealthSnapshot{
			Name:            m.name,
			Healthy:         h.healthy,
			Score:           scoreLocked(&h),
			ConsecSuccesses: h.consecSuccesses,
			ConsecFailures:  h.consecFailures,
			AvgLatencyMs:    h.avgLatencyMs,
			ActiveConns:     h.activeConns,
			TotalRequests:   h.totalRequests,
			FailedRequests:  h.failedRequests,
			LastCheck:       h.lastCheck,
		})
	}
	return out
}

// HealthScore returns the provider's derived [0, 100] quality score.
func (b *Balancer) HealthScore(name string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.byName[name]
	if !ok {
		return 0
	}
	return scoreLocked(&m.health)
}

// scoreLocked derives the [0, 100] health score: an unhealthy provider
// scores 0; a healthy one starts at 100 and loses up to 50 points for the
// consecutive-failure streak, up to 20 for its latency band, and up to 30
// for its failure rate.
func scoreLocked(h *healthRecord) float64 {
	if !h.healthy {
		return 0
	}

	score := 100.0

	failPenalty := float64(h.consecFailures) * 10
	if failPenalty > 50 {
		failPenalty = 50
	}
	score -= failPenalty

	switch {
	case h.avgLatencyMs <= 100:
	case h.avgLatencyMs <= 300:
		score -= 5
	case h.avgLatencyMs <= 1000:
		score -= 10
	default:
		score -= 20
	}

	if h.totalRequests > 0 {
		failRate := float64(h.failedRequests) / float64(h.totalRequests)
		score -= failRate * 30
	}

	if score < 0 {
		return 0
	}
	return score
}
