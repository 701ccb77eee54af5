package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// Manager defaults.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMinTTL     = time.Second
	DefaultMaxTTL     = 24 * time.Hour
	DefaultPromoteTTL = 5 * time.Minute
)

// ManagerOptions tunes a Manager. Zero values use the defaults above.
type ManagerOptions struct {
	// DefaultTTL applies when Set is called with ttl <= 0.
	DefaultTTL time.Duration

	// MinTTL and MaxTTL clamp every TTL at set-time.
	MinTTL time.Duration
	MaxTTL time.Duration

	// PromoteTTL is the TTL applied when a lower-tier hit is written back to
	// the tiers above it.
	PromoteTTL time.Duration

	// Logger defaults to slog.Default when nil.
	Logger *slog.Logger
}

// Manager is the logical cache: a stack of tiers with read-through
// promotion, write-through, and loader coalescing.
type Manager struct {
	tiers []Store // index 0 is the fastest tier

	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration
	promoteTTL time.Duration

	group singleflight.Group
	log   *slog.Logger

	// Manager-level counters: a hit in any tier is one logical hit.
	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

// ManagerStats is the aggregate view across tiers.
type ManagerStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`

	// Memory is the Tier-0 detail (evictions, expirations, bytes, entries).
	Memory StoreStats `json:"memory"`

	// Namespaces is the Tier-0 per-namespace breakdown.
	Namespaces map[string]NamespaceStats `json:"namespaces"`
}

// NewManager stacks the given tiers, fastest first. At least one tier is
// required; the first tier should be a MemoryStore for the detailed stats.
func NewManager(tiers []Store, opts ManagerOptions) *Manager {
	if len(tiers) == 0 {
		panic("cache: at least one tier is required")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := &Manager{
		tiers:      tiers,
		defaultTTL: opts.DefaultTTL,
		minTTL:     opts.MinTTL,
		maxTTL:     opts.MaxTTL,
		promoteTTL: opts.PromoteTTL,
		log:        log,
	}
	if m.defaultTTL <= 0 {
		m.defaultTTL = DefaultTTL
	}
	if m.minTTL <= 0 {
		m.minTTL = DefaultMinTTL
	}
	if m.maxTTL <= 0 {
		m.maxTTL = DefaultMaxTTL
	}
	if m.promoteTTL <= 0 {
		m.promoteTTL = DefaultPromoteTTL
	}

	return m
}

// ClampTTL resolves ttl against the default and the [min, max] bounds.
func (m *Manager) ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	if ttl < m.minTTL {
		return m.minTTL
	}
	if ttl > m.maxTTL {
		return m.maxTTL
	}
	return ttl
}

// Get cascades through the tiers top-down. A hit in a lower tier is
// promoted to every tier above it with the promotion TTL.
func (m *Manager) Get(ctx context.Context, key string) ([]byte, bool) {
	for i, tier := range m.tiers {
		val, ok := tier.Get(ctx, key)
		if !ok {
			continue
		}

		for j := 0; j < i; j++ {
			if err := m.tiers[j].Set(ctx, key, val, m.promoteTTL, nil); err != nil {
				m.log.Warn("cache_promote_error",
					slog.String("key", key),
					slog.Int("tier", j),
					slog.String("error", err.Error()),
				)
			}
		}

		m.hits.Add(1)
		return val, true
	}

	m.misses.Add(1)
	return nil, false
}

// Set writes through to every tier with the clamped TTL.
func (m *Manager) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	ttl = m.ClampTTL(ttl)

	var firstErr error
	for i, tier := range m.tiers {
		if err := tier.Set(ctx, key, value, ttl, tags); err != nil {
			m.log.Warn("cache_set_error",
				slog.String("key", key),
				slog.Int("tier", i),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.sets.Add(1)
	return firstErr
}

// Delete removes key from every tier.
func (m *Manager) Delete(ctx context.Context, key string) error {
	var firstErr error
	for _, tier := range m.tiers {
		if err := tier.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.deletes.Add(1)
	return firstErr
}

// InvalidatePrefix removes every key starting with prefix from every tier.
// Returns the count removed from the first tier that reports one.
func (m *Manager) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0
	var firstErr error
	for i, tier := range m.tiers {
		n, err := tier.DeletePrefix(ctx, prefix)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if i == 0 {
			removed = n
		}
	}
	return removed, firstErr
}

// InvalidateTag removes every key bearing tag from every tier.
func (m *Manager) InvalidateTag(ctx context.Context, tag string) (int, error) {
	removed := 0
	var firstErr error
	for i, tier := range m.tiers {
		n, err := tier.DeleteTag(ctx, tag)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if i == 0 {
			removed = n
		}
	}
	return removed, firstErr
}

// InvalidateNamespace removes every key in the namespace from every tier.
func (m *Manager) InvalidateNamespace(ctx context.Context, namespace string) (int, error) {
	return m.InvalidatePrefix(ctx, namespace+":")
}

// Loader fetches the value for a key on a cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// GetOrFetch returns the cached value for key, or runs loader and caches its
// result. Concurrent misses for the same key coalesce: exactly one loader
// runs and every caller observes its result, including its error.
func (m *Manager) GetOrFetch(ctx context.Context, key string, ttl time.Duration, loader Loader, tags ...string) ([]byte, error) {
	if val, ok := m.Get(ctx, key); ok {
		return val, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-check under the flight: an earlier caller may have filled the
		// cache between our miss and acquiring the flight.
		if val, ok := m.Get(ctx, key); ok {
			return val, nil
		}

		val, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := m.Set(ctx, key, val, ttl, tags...); err != nil {
			m.log.Warn("cache_fill_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Stats aggregates the manager counters with the Tier-0 detail.
func (m *Manager) Stats() ManagerStats {
	st := ManagerStats{
		Hits:    m.hits.Load(),
		Misses:  m.misses.Load(),
		Sets:    m.sets.Load(),
		Deletes: m.deletes.Load(),
	}
	if mem, ok := m.tiers[0].(*MemoryStore); ok {
		st.Memory = mem.Stats()
		st.Namespaces = mem.NamespaceStats()
	}
	return st
}

// Close closes every tier, returning the first error.
func (m *Manager) Close() error {
	var firstErr error
	for _, tier := range m.tiers {
		if err := tier.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
