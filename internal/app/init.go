package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/api-gateway/internal/balancer"
	"github.com/nulpointcorp/api-gateway/internal/breaker"
	gwCache "github.com/nulpointcorp/api-gateway/internal/cache"
	"github.com/nulpointcorp/api-gateway/internal/config"
	"github.com/nulpointcorp/api-gateway/internal/eventbus"
	"github.com/nulpointcorp/api-gateway/internal/gateway"
	"github.com/nulpointcorp/api-gateway/internal/logger"
	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/pipeline"
	"github.com/nulpointcorp/api-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initServices creates the cache tiers, metrics registry, event bus, and
// the async request logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// Memory tier in front of Redis: hot entries answer locally, the
		// Redis tier is shared across replicas.
		tiers := []gwCache.Store{
			gwCache.NewMemoryStore(ctx, gwCache.MemoryOptions{
				MaxItems: a.cfg.Cache.MaxItems,
				MaxBytes: a.cfg.Cache.MaxBytes,
			}),
			gwCache.NewRedisStoreFromClient(a.rdb),
		}
		a.cacheMgr = gwCache.NewManager(tiers, a.managerOptions())
		a.log.Info("cache backend: memory + redis")

	case "memory":
		tiers := []gwCache.Store{
			gwCache.NewMemoryStore(ctx, gwCache.MemoryOptions{
				MaxItems: a.cfg.Cache.MaxItems,
				MaxBytes: a.cfg.Cache.MaxBytes,
			}),
		}
		a.cacheMgr = gwCache.NewManager(tiers, a.managerOptions())
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := gwCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.exclusions = el
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.bus = eventbus.New(eventbus.Options{
		MaxHistory: a.cfg.EventBus.MaxHistory,
		MaxQueue:   a.cfg.EventBus.MaxQueue,
		Logger:     a.log,
	})

	// File-backed event persistence: a low-priority wildcard subscriber
	// feeds every event into the append-only store.
	if a.cfg.EventBus.StorePath != "" {
		a.store = eventbus.NewFileStore(a.cfg.EventBus.StorePath, a.cfg.EventBus.StoreMaxSize)
		store := a.store
		a.bus.Subscribe("file-store", []string{"*"}, -100, nil, func(e eventbus.Event) {
			if err := store.StoreEvent(e); err != nil {
				a.log.Warn("event store write failed", slog.String("error", err.Error()))
			}
		})
		a.log.Info("event store enabled", slog.String("path", a.cfg.EventBus.StorePath))
	}

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("request logger: %w", err)
	}
	a.reqLogger = reqLogger

	return nil
}

func (a *App) managerOptions() gwCache.ManagerOptions {
	return gwCache.ManagerOptions{
		DefaultTTL: a.cfg.Cache.TTL,
		MinTTL:     a.cfg.Cache.MinTTL,
		MaxTTL:     a.cfg.Cache.MaxTTL,
		Logger:     a.log,
	}
}

// initPipeline assembles the request middleware chain. Logging, metrics, and
// error handling always run; auth and rate limiting are config-gated.
func (a *App) initPipeline(_ context.Context) error {
	pl := pipeline.New()

	pl.Use(pipeline.NewLoggingMiddleware(a.log, []string{"/health", "/metrics"}))
	pl.Use(pipeline.NewMetricsMiddleware(a.prom.ObservePipeline))
	pl.Use(pipeline.NewErrorMiddleware(a.log, a.cfg.Debug))

	if a.cfg.Auth.Enabled {
		pl.Use(pipeline.NewAuthMiddleware(a.cfg.Auth.SkipPaths, a.cfg.Auth.RequiredPermissions))
		a.log.Info("auth middleware enabled",
			slog.Any("required_permissions", a.cfg.Auth.RequiredPermissions))
	}

	if a.cfg.RateLimit.PerMinute > 0 {
		limits := ratelimit.Limits{
			PerMinute: a.cfg.RateLimit.PerMinute,
			Burst:     a.cfg.RateLimit.Burst,
		}

		var limiter ratelimit.Limiter
		if a.rdb != nil {
			limiter = ratelimit.NewRedisLimiter(a.rdb, limits)
			a.log.Info("rate limiting enabled (redis)",
				slog.Int("per_minute", limits.PerMinute), slog.Int("burst", limits.Burst))
		} else {
			limiter = ratelimit.NewMemoryLimiter(limits)
			a.log.Info("rate limiting enabled (in-process)",
				slog.Int("per_minute", limits.PerMinute), slog.Int("burst", limits.Burst))
		}
		pl.Use(pipeline.NewRateLimitMiddleware(limiter))
	}

	a.pl = pl
	return nil
}

// initGateway builds the mediation core and registers the configured
// providers.
func (a *App) initGateway(_ context.Context) error {
	gw := gateway.New(gateway.Options{
		Logger: a.log,
		BreakerConfig: breaker.Config{
			FailureThreshold:   a.cfg.CircuitBreaker.FailureThreshold,
			SuccessThreshold:   a.cfg.CircuitBreaker.SuccessThreshold,
			OpenDuration:       a.cfg.CircuitBreaker.OpenDuration,
			HalfOpenProbeLimit: a.cfg.CircuitBreaker.HalfOpenProbeLimit,
		},
		BalancerConfig: balancer.Config{
			Strategy:          balancer.Strategy(a.cfg.Balancer.Strategy),
			FailureThreshold:  a.cfg.Balancer.FailureThreshold,
			RecoveryThreshold: a.cfg.Balancer.RecoveryThreshold,
			OnHealthChange:    a.onHealthChange,
		},
		Cache:           a.cacheMgr,
		CacheExclusions: a.exclusions,
		Bus:             a.bus,
		Metrics:         a.prom,
		RequestLogger:   a.reqLogger,
		Pipeline:        a.pl,
		DrainTimeout:    a.cfg.DrainTimeout,
	})

	for _, pc := range a.cfg.Providers {
		if err := gw.RegisterProvider(providerSpec(pc)); err != nil {
			return fmt.Errorf("provider %q: %w", pc.Name, err)
		}
	}

	if a.cfg.Balancer.ProbeInterval > 0 {
		gw.SetProber(balancer.NewProber(gw.Balancer(), balancer.ProbeOptions{
			Interval: a.cfg.Balancer.ProbeInterval,
			Logger:   a.log,
		}))
		a.log.Info("health prober enabled",
			slog.Duration("interval", a.cfg.Balancer.ProbeInterval))
	}

	a.gw = gw
	return nil
}

// onHealthChange mirrors balancer health flips into the log and the bus.
func (a *App) onHealthChange(name string, healthy bool) {
	a.log.Info("provider health changed",
		slog.String("provider", name), slog.Bool("healthy", healthy))

	if a.bus != nil && !healthy {
		a.bus.Publish(eventbus.TypeHealthCheckFailed, map[string]any{
			"provider": name,
		})
	}
}

// providerSpec converts a config entry to the gateway's registration form.
func providerSpec(pc config.ProviderConfig) gateway.ProviderSpec {
	return gateway.ProviderSpec{
		Name:          pc.Name,
		BaseURL:       pc.BaseURL,
		APIKey:        pc.APIKey,
		APIKeyHeader:  pc.APIKeyHeader,
		APIKeyPrefix:  pc.APIKeyPrefix,
		Timeout:       time.Duration(pc.TimeoutSeconds) * time.Second,
		RetryAttempts: pc.RetryAttempts,
		RetryDelay:    time.Duration(pc.RetryDelaySeconds * float64(time.Second)),
		CacheTTL:      time.Duration(pc.CacheTTLSeconds) * time.Second,
		Weight:        pc.Weight,
		Priority:      pc.Priority,
		Headers:       pc.Headers,
		Enabled:       pc.IsEnabled(),
		HealthURL:     pc.HealthURL,
	}
}
