package breaker

import "sync"

// Registry manages independent breakers addressed by provider name.
// Safe for concurrent use from multiple goroutines.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates an empty registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// GetOrCreate returns the breaker for name, creating a closed one on first
// use. Idempotent: concurrent callers observe the same instance.
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name, or nil when it was never created.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.breakers[name]
}

// Remove deletes the breaker for name (provider unregistration).
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.breakers, name)
	r.mu.Unlock()
}

// Snapshots returns a point-in-time view of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}
