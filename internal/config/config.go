// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file. The upstream provider list is YAML-only
// since it does not flatten into env vars.
//
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache and the in-process rate limiter with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Debug exposes failure detail in 500 bodies. Never enable in production.
	Debug bool

	// Providers lists the upstream services the gateway proxies to.
	// At least one enabled provider is required.
	Providers []ProviderConfig

	// Redis holds the connection URL for the Redis-backed cache tier and
	// rate limiter. Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Balancer controls provider selection and health tracking.
	Balancer BalancerConfig

	// RateLimit controls per-principal request-rate limiting.
	RateLimit RateLimitConfig

	// EventBus controls the internal event bus and its optional file store.
	EventBus EventBusConfig

	// Auth controls the authentication middleware.
	Auth AuthConfig

	// DrainTimeout bounds how long Stop waits for in-flight requests.
	// Default: 10s.
	DrainTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// ProviderConfig describes one upstream provider.
type ProviderConfig struct {
	// Name identifies the provider; must be unique.
	Name string `mapstructure:"name"`

	// BaseURL is the provider's endpoint root, e.g. "https://api.example.com".
	BaseURL string `mapstructure:"base_url"`

	// APIKey is attached to outbound requests. Empty means no key header.
	APIKey string `mapstructure:"api_key"`

	// APIKeyHeader names the header carrying the key. Default: "Authorization".
	APIKeyHeader string `mapstructure:"api_key_header"`

	// APIKeyPrefix is prepended to the key value. Default: "Bearer ".
	APIKeyPrefix string `mapstructure:"api_key_prefix"`

	// TimeoutSeconds is the per-request HTTP timeout. Default: 30.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`

	// RetryAttempts is the number of attempts per request. Default: 3.
	RetryAttempts int `mapstructure:"retry_attempts"`

	// RetryDelaySeconds is the backoff base; attempt n sleeps base·2^n.
	// Default: 1.
	RetryDelaySeconds float64 `mapstructure:"retry_delay_seconds"`

	// CacheTTLSeconds is the default TTL for cached GET responses. Default: 300.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`

	// Weight biases weighted load balancing. Default: 100.
	Weight int `mapstructure:"weight"`

	// Priority orders failover; lower is preferred. Default: 0.
	Priority int `mapstructure:"priority"`

	// Enabled removes the provider from selection when false. Default: true.
	Enabled *bool `mapstructure:"enabled"`

	// HealthURL, when set, is probed periodically by the balancer.
	HealthURL string `mapstructure:"health_url"`

	// Headers are static headers attached to every outbound request.
	Headers map[string]string `mapstructure:"headers"`
}

// IsEnabled resolves the Enabled pointer with its default of true.
func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — memory tier plus a Redis tier (requires REDIS_URL).
	//   "memory" — in-process tier only. Not shared across replicas.
	//   "none"   — cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 5m.
	TTL time.Duration

	// MinTTL and MaxTTL clamp caller-supplied TTLs. Defaults: 1s, 24h.
	MinTTL time.Duration
	MaxTTL time.Duration

	// MaxItems and MaxBytes bound the in-process tier. Defaults: 10000, 64MiB.
	MaxItems int
	MaxBytes int64

	// ExcludeExact is a list of exact request paths that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// request paths. Matching requests are not cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open successes that
	// close the breaker. Default: 3.
	SuccessThreshold int

	// OpenDuration is how long the breaker stays open before admitting a
	// probe. Default: 30s.
	OpenDuration time.Duration

	// HalfOpenProbeLimit caps concurrent half-open probes. Default: 1.
	HalfOpenProbeLimit int
}

// BalancerConfig controls provider selection.
type BalancerConfig struct {
	// Strategy is one of: round_robin, weighted, least_connections,
	// latency_based, failover, random. Default: round_robin.
	Strategy string

	// FailureThreshold marks a provider unhealthy after that many
	// consecutive failures. Default: 3.
	FailureThreshold int

	// RecoveryThreshold marks it healthy again after that many consecutive
	// successes. Default: 2.
	RecoveryThreshold int

	// ProbeInterval is the period of the background health probe.
	// 0 disables probing. Default: 0.
	ProbeInterval time.Duration
}

// RateLimitConfig controls per-principal request-rate limiting.
type RateLimitConfig struct {
	// PerMinute caps requests per principal in a sliding minute.
	// 0 disables rate limiting. Default: 0.
	PerMinute int

	// Burst caps requests per principal in a sliding 5 second window.
	// Default: 10 when PerMinute is set.
	Burst int
}

// EventBusConfig controls the internal event bus.
type EventBusConfig struct {
	// MaxHistory caps the in-memory event ring. Default: 100.
	MaxHistory int

	// MaxQueue caps the pause queue. Default: 1000.
	MaxQueue int

	// StorePath, when set, persists events to an append-only JSON file.
	StorePath string

	// StoreMaxSize caps the persisted event count (FIFO). 0 = unbounded.
	StoreMaxSize int
}

// AuthConfig controls the authentication middleware.
type AuthConfig struct {
	// Enabled turns the auth middleware on. Default: false.
	Enabled bool

	// SkipPaths bypass authentication (health, metrics).
	SkipPaths []string

	// RequiredPermissions must all be present on the principal.
	RequiredPermissions []string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEBUG", false)

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "5m")
	v.SetDefault("CACHE_MIN_TTL", "1s")
	v.SetDefault("CACHE_MAX_TTL", "24h")
	v.SetDefault("CACHE_MAX_ITEMS", 10_000)
	v.SetDefault("CACHE_MAX_BYTES", 64<<20)

	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_SUCCESS_THRESHOLD", 3)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_HALF_OPEN_PROBE_LIMIT", 1)

	v.SetDefault("BALANCER_STRATEGY", "round_robin")
	v.SetDefault("BALANCER_FAILURE_THRESHOLD", 10)
	v.SetDefault("BALANCER_RECOVERY_THRESHOLD", 2)
	v.SetDefault("BALANCER_PROBE_INTERVAL", "0s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RATELIMIT_PER_MINUTE", 0)
	v.SetDefault("RATELIMIT_BURST", 10)

	v.SetDefault("EVENTBUS_MAX_HISTORY", 100)
	v.SetDefault("EVENTBUS_MAX_QUEUE", 1000)
	v.SetDefault("EVENTBUS_STORE_MAX_SIZE", 0)

	v.SetDefault("AUTH_ENABLED", false)

	v.SetDefault("DRAIN_TIMEOUT", "10s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Debug:    v.GetBool("DEBUG"),

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			MinTTL:          v.GetDuration("CACHE_MIN_TTL"),
			MaxTTL:          v.GetDuration("CACHE_MAX_TTL"),
			MaxItems:        v.GetInt("CACHE_MAX_ITEMS"),
			MaxBytes:        v.GetInt64("CACHE_MAX_BYTES"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold:   v.GetInt("CB_SUCCESS_THRESHOLD"),
			OpenDuration:       v.GetDuration("CB_OPEN_DURATION"),
			HalfOpenProbeLimit: v.GetInt("CB_HALF_OPEN_PROBE_LIMIT"),
		},

		Balancer: BalancerConfig{
			Strategy:          strings.ToLower(v.GetString("BALANCER_STRATEGY")),
			FailureThreshold:  v.GetInt("BALANCER_FAILURE_THRESHOLD"),
			RecoveryThreshold: v.GetInt("BALANCER_RECOVERY_THRESHOLD"),
			ProbeInterval:     v.GetDuration("BALANCER_PROBE_INTERVAL"),
		},

		RateLimit: RateLimitConfig{
			PerMinute: v.GetInt("RATELIMIT_PER_MINUTE"),
			Burst:     v.GetInt("RATELIMIT_BURST"),
		},

		EventBus: EventBusConfig{
			MaxHistory:   v.GetInt("EVENTBUS_MAX_HISTORY"),
			MaxQueue:     v.GetInt("EVENTBUS_MAX_QUEUE"),
			StorePath:    v.GetString("EVENTBUS_STORE_PATH"),
			StoreMaxSize: v.GetInt("EVENTBUS_STORE_MAX_SIZE"),
		},

		Auth: AuthConfig{
			Enabled:             v.GetBool("AUTH_ENABLED"),
			SkipPaths:           v.GetStringSlice("AUTH_SKIP_PATHS"),
			RequiredPermissions: v.GetStringSlice("AUTH_REQUIRED_PERMISSIONS"),
		},

		DrainTimeout: v.GetDuration("DRAIN_TIMEOUT"),
		CORSOrigins:  v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("providers", &cfg.Providers); err != nil {
		return nil, fmt.Errorf("config: invalid providers section: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required in the providers section")
	}

	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider %d has no name", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("config: duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q has no base_url", p.Name)
		}
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.Balancer.Strategy {
	case "round_robin", "weighted", "least_connections", "latency_based", "failover", "random":
	default:
		return fmt.Errorf(
			"config: invalid BALANCER_STRATEGY %q; must be one of: round_robin, "+
				"weighted, least_connections, latency_based, failover, random",
			c.Balancer.Strategy,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.SuccessThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Cache.MinTTL > c.Cache.MaxTTL {
		return fmt.Errorf("config: CACHE_MIN_TTL %s exceeds CACHE_MAX_TTL %s", c.Cache.MinTTL, c.Cache.MaxTTL)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
