// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis when needed)
//  2. initServices — cache tiers, metrics, event bus, request logger
//  3. initPipeline — request middleware chain
//  4. initGateway  — mediation core + HTTP surface
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	gwCache "github.com/nulpointcorp/api-gateway/internal/cache"
	"github.com/nulpointcorp/api-gateway/internal/config"
	"github.com/nulpointcorp/api-gateway/internal/eventbus"
	"github.com/nulpointcorp/api-gateway/internal/gateway"
	"github.com/nulpointcorp/api-gateway/internal/logger"
	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/pipeline"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	cacheMgr   *gwCache.Manager
	exclusions *gwCache.ExclusionList
	bus        *eventbus.Bus
	store      *eventbus.FileStore
	reqLogger  *logger.Logger
	prom       *metrics.Registry
	pl         *pipeline.Pipeline

	gw  *gateway.Gateway
	srv *fasthttp.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"pipeline", a.initPipeline},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.String("strategy", a.cfg.Balancer.Strategy),
		slog.Int("providers", len(a.cfg.Providers)),
	)

	if err := a.gw.Start(ctx); err != nil {
		return fmt.Errorf("app: gateway start: %w", err)
	}

	a.srv = &fasthttp.Server{
		Handler: a.gw.Handler(gateway.ServerOptions{
			CORSOrigins:    a.cfg.CORSOrigins,
			MetricsHandler: a.prom.Handler(),
		}),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.srv.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.srv.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		if err := a.gw.Stop(); err != nil {
			a.log.Error("gateway stop error", slog.String("error", err.Error()))
		}
		a.gw = nil
	}
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.store != nil {
		if err := a.store.Flush(); err != nil {
			a.log.Error("event store flush error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.cacheMgr != nil {
		if err := a.cacheMgr.Close(); err != nil {
			a.log.Error("cache close error", slog.String("error", err.Error()))
		}
		a.cacheMgr = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
