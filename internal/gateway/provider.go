package gateway

import (
	"strings"
	"time"

	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

// Provider defaults applied by normalize.
const (
	DefaultAPIKeyHeader  = "Authorization"
	DefaultAPIKeyPrefix  = "Bearer "
	DefaultTimeout       = 30 * time.Second
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultCacheTTL      = 5 * time.Minute
	DefaultWeight        = 100
)

// ProviderSpec describes one upstream service.
type ProviderSpec struct {
	// Name identifies the provider; unique within a gateway.
	Name string `json:"name"`

	// BaseURL is the endpoint root the request path is appended to.
	BaseURL string `json:"base_url"`

	// APIKey, when set, is attached to outbound requests as
	// APIKeyHeader: APIKeyPrefix + APIKey.
	APIKey       string `json:"-"`
	APIKeyHeader string `json:"api_key_header"`
	APIKeyPrefix string `json:"api_key_prefix"`

	// Timeout bounds each HTTP attempt.
	Timeout time.Duration `json:"timeout"`

	// RetryAttempts is the number of attempts per request, first included.
	RetryAttempts int `json:"retry_attempts"`

	// RetryDelay is the backoff base; attempt n sleeps RetryDelay·2^n.
	RetryDelay time.Duration `json:"retry_delay"`

	// CacheTTL is the default TTL for cached GET responses.
	CacheTTL time.Duration `json:"cache_ttl"`

	// Weight biases weighted balancing; Priority orders failover
	// (lower preferred).
	Weight   int `json:"weight"`
	Priority int `json:"priority"`

	// Headers are static headers attached to every outbound request.
	Headers map[string]string `json:"headers,omitempty"`

	// Enabled removes the provider from selection when false.
	Enabled bool `json:"enabled"`

	// HealthURL, when set, is probed by the balancer's background prober.
	HealthURL string `json:"health_url,omitempty"`
}

// NewProviderSpec returns a spec with defaults for everything but name and
// base URL.
func NewProviderSpec(name, baseURL string) ProviderSpec {
	return ProviderSpec{
		Name:          name,
		BaseURL:       baseURL,
		APIKeyHeader:  DefaultAPIKeyHeader,
		APIKeyPrefix:  DefaultAPIKeyPrefix,
		Timeout:       DefaultTimeout,
		RetryAttempts: DefaultRetryAttempts,
		RetryDelay:    DefaultRetryDelay,
		CacheTTL:      DefaultCacheTTL,
		Weight:        DefaultWeight,
		Enabled:       true,
	}
}

// normalize fills zero-valued fields with defaults. Enabled is not touched;
// RegisterProvider handles its default through config.
func (s ProviderSpec) normalize() ProviderSpec {
	if s.APIKeyHeader == "" {
		s.APIKeyHeader = DefaultAPIKeyHeader
	}
	if s.APIKeyPrefix == "" && s.APIKeyHeader == DefaultAPIKeyHeader {
		s.APIKeyPrefix = DefaultAPIKeyPrefix
	}
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.RetryAttempts <= 0 {
		s.RetryAttempts = DefaultRetryAttempts
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = DefaultCacheTTL
	}
	if s.Weight <= 0 {
		s.Weight = DefaultWeight
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")
	return s
}

func (s ProviderSpec) validate() error {
	if s.Name == "" {
		return &gwerr.InvalidConfigError{Detail: "provider name is required"}
	}
	if s.BaseURL == "" {
		return &gwerr.InvalidConfigError{Detail: "provider " + s.Name + " has no base URL"}
	}
	if !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		return &gwerr.InvalidConfigError{Detail: "provider " + s.Name + " base URL must be http(s)"}
	}
	return nil
}

// RegisterProvider adds or replaces a provider. Registration wires the
// provider into the balancer; a replaced provider keeps its breaker and
// health record.
func (g *Gateway) RegisterProvider(spec ProviderSpec) error {
	spec = spec.normalize()
	if err := spec.validate(); err != nil {
		return err
	}

	g.mu.Lock()
	g.providers[spec.Name] = &spec
	g.mu.Unlock()

	if spec.Enabled {
		g.balancer.Register(spec.Name, spec.Weight, spec.Priority, spec.HealthURL)
	} else {
		g.balancer.Unregister(spec.Name)
	}
	return nil
}

// UnregisterProvider removes a provider, its breaker, and its health
// record. Unknown names are a no-op.
func (g *Gateway) UnregisterProvider(name string) {
	g.mu.Lock()
	delete(g.providers, name)
	g.mu.Unlock()

	g.balancer.Unregister(name)
	g.breakers.Remove(name)
}

// SetProviderEnabled flips a provider in or out of selection without
// losing its configuration.
func (g *Gateway) SetProviderEnabled(name string, enabled bool) error {
	g.mu.Lock()
	spec, ok := g.providers[name]
	if !ok {
		g.mu.Unlock()
		return &gwerr.UnknownProviderError{Name: name}
	}
	spec.Enabled = enabled
	weight, priority, healthURL := spec.Weight, spec.Priority, spec.HealthURL
	g.mu.Unlock()

	if enabled {
		g.balancer.Register(name, weight, priority, healthURL)
	} else {
		g.balancer.Unregister(name)
	}
	return nil
}

// Provider returns a copy of the named spec.
func (g *Gateway) Provider(name string) (ProviderSpec, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	spec, ok := g.providers[name]
	if !ok {
		return ProviderSpec{}, false
	}
	return *spec, true
}

// Providers lists all registered specs.
func (g *Gateway) Providers() []ProviderSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]ProviderSpec, 0, len(g.providers))
	for _, spec := range g.providers {
		out = append(out, *spec)
	}
	return out
}
