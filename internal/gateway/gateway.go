// Package gateway is the request-mediation core.
//
// A Gateway sits between application code and a set of upstream HTTP
// providers. Each request flows cache → provider selection → circuit
// breaker admission → bounded same-provider retries, with success and
// failure reported back to the breaker and the balancer. Cacheable GET
// responses fill the cache on the way out.
//
// Key design constraints:
//   - Cache, event bus, metrics, request logger, and pipeline are optional
//     and nil-safe.
//   - All shared mutable state is guarded; admission decisions linearize
//     with the reports that drive breaker transitions.
//   - Per-provider timeout is authoritative; the shared fasthttp client's
//     own timeouts act only as a safety net.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/balancer"
	"github.com/nulpointcorp/api-gateway/internal/breaker"
	"github.com/nulpointcorp/api-gateway/internal/cache"
	"github.com/nulpointcorp/api-gateway/internal/eventbus"
	"github.com/nulpointcorp/api-gateway/internal/logger"
	"github.com/nulpointcorp/api-gateway/internal/metrics"
	"github.com/nulpointcorp/api-gateway/internal/pipeline"
	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

const cacheNamespace = "api"

// httpDoer is the outbound client surface; *fasthttp.Client satisfies it.
type httpDoer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// Options holds optional gateway dependencies. All fields have sensible
// defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events and retry
	// diagnostics. Defaults to slog.Default.
	Logger *slog.Logger

	// BreakerConfig tunes the per-provider circuit breakers. Zero values
	// use the breaker package defaults.
	BreakerConfig breaker.Config

	// BalancerConfig tunes provider selection and health tracking.
	BalancerConfig balancer.Config

	// Cache enables response caching when non-nil.
	Cache *cache.Manager

	// CacheExclusions lists request paths that bypass the cache.
	CacheExclusions *cache.ExclusionList

	// Bus receives lifecycle and per-request events when non-nil.
	Bus *eventbus.Bus

	// Metrics enables Prometheus collection when non-nil.
	Metrics *metrics.Registry

	// RequestLogger receives one async entry per request when non-nil.
	RequestLogger *logger.Logger

	// Pipeline, when non-nil, runs around outbound requests after the
	// cache lookup and before breaker admission.
	Pipeline *pipeline.Pipeline

	// DrainTimeout bounds how long Stop waits for in-flight requests.
	// Default: 10s.
	DrainTimeout time.Duration
}

// RequestOptions refines one Request call. The zero value is valid.
type RequestOptions struct {
	// Provider pins the request to a named provider instead of asking the
	// balancer.
	Provider string

	// Params are query parameters appended to the URL.
	Params map[string]string

	// Headers are merged over the provider's static headers.
	Headers map[string]string

	// Body is the request payload, passed through opaque.
	Body []byte

	// CacheTTL overrides the provider's default TTL for this response.
	CacheTTL time.Duration

	// SkipCache bypasses both cache lookup and fill.
	SkipCache bool

	// Principal is the caller identity handed to the pipeline.
	Principal *pipeline.Principal

	// UserID attributes published events to a user.
	UserID string

	// Metadata is opaque per-request context exposed to the pipeline and
	// attached to published events.
	Metadata map[string]any
}

// Response is a completed gateway request.
type Response struct {
	Status    int               `json:"status"`
	Data      []byte            `json:"data"`
	Headers   map[string]string `json:"headers"`
	Cached    bool              `json:"cached"`
	Provider  string            `json:"provider,omitempty"`
	RequestID string            `json:"request_id"`
}

// Gateway mediates requests between callers and upstream providers.
type Gateway struct {
	mu        sync.RWMutex
	providers map[string]*ProviderSpec
	started   bool

	breakers *breaker.Registry
	balancer *balancer.Balancer
	prober   *balancer.Prober

	cache      *cache.Manager
	exclusions *cache.ExclusionList
	bus        *eventbus.Bus
	metrics    *metrics.Registry
	reqLogger  *logger.Logger
	pl         *pipeline.Pipeline

	client       httpDoer
	log          *slog.Logger
	strategy     string
	drainTimeout time.Duration

	inflight sync.WaitGroup

	// sleep is swapped in tests to skip real backoff.
	sleep func(time.Duration)

	statsMu       sync.Mutex
	total         int64
	successful    int64
	failed        int64
	cacheHits     int64
	cacheMisses   int64
	circuitBreaks int64
	latencyMsSum  int64
	byProvider    map[string]int64
	byErrorKind   map[string]int64
}

// New creates a stopped gateway. Call RegisterProvider and then Start.
func New(opts Options) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	drain := opts.DrainTimeout
	if drain <= 0 {
		drain = 10 * time.Second
	}

	b := balancer.New(opts.BalancerConfig)
	strategy := string(opts.BalancerConfig.Strategy)
	if strategy == "" {
		strategy = string(balancer.RoundRobin)
	}

	return &Gateway{
		providers:    make(map[string]*ProviderSpec),
		breakers:     breaker.NewRegistry(opts.BreakerConfig),
		balancer:     b,
		cache:        opts.Cache,
		exclusions:   opts.CacheExclusions,
		bus:          opts.Bus,
		metrics:      opts.Metrics,
		reqLogger:    opts.RequestLogger,
		pl:           opts.Pipeline,
		log:          log,
		strategy:     strategy,
		drainTimeout: drain,
		sleep:        time.Sleep,
		byProvider:   make(map[string]int64),
		byErrorKind:  make(map[string]int64),
	}
}

// SetProber attaches a background health prober. Start launches it.
func (g *Gateway) SetProber(p *balancer.Prober) {
	g.prober = p
}

// Balancer exposes the provider selector for health snapshots.
func (g *Gateway) Balancer() *balancer.Balancer { return g.balancer }

// Breakers exposes the breaker registry for admin snapshots.
func (g *Gateway) Breakers() *breaker.Registry { return g.breakers }

// Start initializes the outbound HTTP client and launches the health
// prober. Starting a started gateway is a no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return nil
	}
	if g.client == nil {
		g.client = &fasthttp.Client{
			MaxConnsPerHost: 512,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    60 * time.Second,
		}
	}
	g.started = true
	g.mu.Unlock()

	if g.prober != nil {
		g.prober.Start(ctx)
	}
	if g.bus != nil {
		g.bus.Publish(eventbus.TypeBotStarted, map[string]any{"component": "gateway"})
	}
	return nil
}

// Stop drains in-flight requests within the drain timeout and releases
// resources. After Stop every request returns NotStarted.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return nil
	}
	g.started = false
	g.mu.Unlock()

	if g.prober != nil {
		g.prober.Stop()
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	var drainErr error
	select {
	case <-done:
	case <-time.After(g.drainTimeout):
		drainErr = fmt.Errorf("gateway: drain timed out after %s", g.drainTimeout)
		g.log.Warn("stop drain timed out", slog.Duration("timeout", g.drainTimeout))
	}

	if g.bus != nil {
		g.bus.Publish(eventbus.TypeBotStopped, map[string]any{"component": "gateway"})
	}
	return drainErr
}

// Get issues a GET through the gateway.
func (g *Gateway) Get(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	return g.Request(ctx, fasthttp.MethodGet, path, opts)
}

// Post issues a POST with the given body.
func (g *Gateway) Post(ctx context.Context, path string, body []byte, opts RequestOptions) (*Response, error) {
	opts.Body = body
	return g.Request(ctx, fasthttp.MethodPost, path, opts)
}

// Put issues a PUT with the given body.
func (g *Gateway) Put(ctx context.Context, path string, body []byte, opts RequestOptions) (*Response, error) {
	opts.Body = body
	return g.Request(ctx, fasthttp.MethodPut, path, opts)
}

// Delete issues a DELETE.
func (g *Gateway) Delete(ctx context.Context, path string, opts RequestOptions) (*Response, error) {
	return g.Request(ctx, fasthttp.MethodDelete, path, opts)
}

// Request runs the full mediation algorithm: cache lookup, provider
// selection, breaker admission, retries with exponential backoff, and
// cache fill.
func (g *Gateway) Request(ctx context.Context, method, path string, opts RequestOptions) (*Response, error) {
	g.mu.RLock()
	if !g.started {
		g.mu.RUnlock()
		return nil, &gwerr.NotStartedError{}
	}
	g.inflight.Add(1)
	g.mu.RUnlock()
	defer g.inflight.Done()

	requestID := uuid.NewString()
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	started := map[string]any{
		"endpoint":   path,
		"method":     method,
		"request_id": requestID,
		"user_id":    opts.UserID,
	}
	for k, v := range opts.Metadata {
		started[k] = v
	}
	g.publish(eventbus.TypeAPICallStarted, requestID, started)

	resp, err := g.dispatch(ctx, method, path, requestID, opts)
	elapsed := time.Since(start)

	g.finish(method, path, requestID, opts, resp, err, elapsed)
	return resp, err
}

// dispatch performs the cache lookup and runs the pipeline (when
// configured) around the upstream call.
func (g *Gateway) dispatch(ctx context.Context, method, path, requestID string, opts RequestOptions) (*Response, error) {
	cacheable := g.cacheable(method, path, opts)
	var key string
	if cacheable {
		key = cache.BuildKey(cacheNamespace, method, path, opts.Params, opts.Body)
		if data, ok := g.cache.Get(ctx, key); ok {
			g.statsMu.Lock()
			g.total++
			g.successful++
			g.cacheHits++
			g.statsMu.Unlock()
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			return &Response{
				Status:    fasthttp.StatusOK,
				Data:      data,
				Headers:   map[string]string{"X-Cache": "HIT"},
				Cached:    true,
				RequestID: requestID,
			}, nil
		}
		g.statsMu.Lock()
		g.cacheMisses++
		g.statsMu.Unlock()
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil && g.cache != nil {
		g.metrics.CacheGetBypass()
	}

	resp, err := g.throughPipeline(ctx, method, path, requestID, opts)
	if err != nil {
		return nil, err
	}

	if cacheable && resp.Status >= 200 && resp.Status < 300 {
		ttl := opts.CacheTTL
		if ttl <= 0 {
			if spec, ok := g.Provider(resp.Provider); ok {
				ttl = spec.CacheTTL
			}
		}
		tags := []string{"provider:" + resp.Provider}
		if err := g.cache.Set(ctx, key, resp.Data, ttl, tags...); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
			g.log.Warn("cache fill failed", slog.String("key", key), slog.Any("error", err))
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}
	return resp, nil
}

// throughPipeline wraps the upstream call in the middleware chain. The
// chain runs after cache lookup and before breaker admission, so cached
// responses skip it and admitted requests carry fully resolved context.
func (g *Gateway) throughPipeline(ctx context.Context, method, path, requestID string, opts RequestOptions) (*Response, error) {
	if g.pl == nil {
		return g.callUpstream(ctx, method, path, requestID, opts)
	}

	var out *Response
	pctx := pipeline.NewContext(&pipeline.Request{
		Method:  method,
		Path:    path,
		Headers: opts.Headers,
		Params:  opts.Params,
		Body:    opts.Body,
	}).WithContext(ctx)
	pctx.Principal = opts.Principal
	pctx.Data[pipeline.DataRequestID] = requestID
	for k, v := range opts.Metadata {
		pctx.Data[k] = v
	}

	presp, perr := g.pl.Execute(pctx, func(*pipeline.Context) (*pipeline.Response, error) {
		var callErr error
		out, callErr = g.callUpstream(ctx, method, path, requestID, opts)
		if callErr != nil {
			return nil, callErr
		}
		return &pipeline.Response{Status: out.Status, Headers: out.Headers, Body: out.Data}, nil
	})
	if perr != nil {
		return nil, perr
	}
	if pctx.Aborted() {
		return nil, &gwerr.AbortedError{Status: presp.Status, Message: string(presp.Body)}
	}
	if out == nil {
		// A middleware synthesized the response without reaching upstream.
		return &Response{
			Status:    presp.Status,
			Data:      presp.Body,
			Headers:   presp.Headers,
			RequestID: requestID,
		}, nil
	}
	// Propagate headers middleware stamped during the unwind.
	out.Headers = presp.Headers
	out.Data = presp.Body
	out.Status = presp.Status
	return out, nil
}

// callUpstream selects a provider, passes its breaker, and runs the
// bounded retry loop against that same provider.
func (g *Gateway) callUpstream(ctx context.Context, method, path, requestID string, opts RequestOptions) (*Response, error) {
	spec, err := g.selectProvider(opts.Provider)
	if err != nil {
		return nil, err
	}

	br := g.breakers.GetOrCreate(spec.Name)
	if err := br.TryAdmit(); err != nil {
		g.statsMu.Lock()
		g.circuitBreaks++
		g.statsMu.Unlock()
		if g.metrics != nil {
			g.metrics.RecordCircuitBreakerRejection(spec.Name, br.State().String())
		}
		g.publish(eventbus.TypeErrorOccurred, requestID, map[string]any{
			"provider":   spec.Name,
			"request_id": requestID,
			"error_kind": gwerr.Kind(err),
			"user_id":    opts.UserID,
		})
		return nil, err
	}
	g.observeBreaker(spec.Name, br)

	headers := g.mergeHeaders(spec, opts.Headers)
	uri := buildURI(spec.BaseURL, path, opts.Params)

	var lastErr error
	for attempt := 0; attempt < spec.RetryAttempts; attempt++ {
		if attempt > 0 {
			g.sleep(backoff(spec.RetryDelay, attempt-1))
		}
		if err := ctx.Err(); err != nil {
			lastErr = &gwerr.TransportError{Op: "request", Detail: "context cancelled", Err: err}
			break
		}

		g.balancer.OnRequestStart(spec.Name)
		attemptStart := time.Now()
		resp, attemptErr := g.doHTTP(method, uri, headers, opts.Body, spec.Timeout)
		attemptElapsed := time.Since(attemptStart)

		if attemptErr == nil {
			br.OnSuccess()
			g.balancer.OnRequestSuccess(spec.Name, attemptElapsed)
			g.observeBreaker(spec.Name, br)
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(spec.Name, path, "success", attemptElapsed)
			}
			resp.Provider = spec.Name
			resp.RequestID = requestID
			return resp, nil
		}

		br.OnFailure(attemptErr)
		g.balancer.OnRequestFailure(spec.Name, attemptErr)
		g.observeBreaker(spec.Name, br)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(spec.Name, path, "failure", attemptElapsed)
		}
		g.log.Warn("upstream attempt failed",
			slog.String("provider", spec.Name),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Any("error", attemptErr))

		lastErr = attemptErr
		if !gwerr.Retryable(attemptErr) {
			break
		}
	}

	g.publish(eventbus.TypeErrorOccurred, requestID, map[string]any{
		"provider":   spec.Name,
		"request_id": requestID,
		"error_kind": gwerr.Kind(lastErr),
		"user_id":    opts.UserID,
	})
	return nil, lastErr
}

// selectProvider resolves the target: an explicit name must exist and be
// enabled; otherwise the balancer picks from the healthy subset.
func (g *Gateway) selectProvider(name string) (ProviderSpec, error) {
	if name != "" {
		spec, ok := g.Provider(name)
		if !ok || !spec.Enabled {
			return ProviderSpec{}, &gwerr.UnknownProviderError{Name: name}
		}
		return spec, nil
	}

	selected, err := g.balancer.Select()
	if err != nil {
		return ProviderSpec{}, err
	}
	if g.metrics != nil {
		g.metrics.RecordBalancerSelection(selected, g.strategy)
	}
	spec, ok := g.Provider(selected)
	if !ok {
		return ProviderSpec{}, &gwerr.UnknownProviderError{Name: selected}
	}
	return spec, nil
}

// mergeHeaders layers static provider headers, caller headers, and the API
// key header, later layers winning.
func (g *Gateway) mergeHeaders(spec ProviderSpec, caller map[string]string) map[string]string {
	merged := make(map[string]string, len(spec.Headers)+len(caller)+1)
	for k, v := range spec.Headers {
		merged[k] = v
	}
	for k, v := range caller {
		merged[k] = v
	}
	if spec.APIKey != "" {
		merged[spec.APIKeyHeader] = spec.APIKeyPrefix + spec.APIKey
	}
	return merged
}

// doHTTP performs one attempt and maps the outcome to typed errors.
func (g *Gateway) doHTTP(method, uri string, headers map[string]string, body []byte, timeout time.Duration) (*Response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 {
		req.SetBody(body)
	}

	start := time.Now()
	if err := g.client.DoTimeout(req, resp, timeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return nil, &gwerr.TimeoutError{Elapsed: time.Since(start)}
		}
		return nil, &gwerr.TransportError{Op: "do", Detail: uri, Err: err}
	}

	status := resp.StatusCode()
	out := append([]byte(nil), resp.Body()...)
	if status >= 400 {
		return nil, &gwerr.UpstreamStatusError{Status: status, Body: out}
	}

	respHeaders := make(map[string]string)
	resp.Header.VisitAll(func(k, v []byte) {
		respHeaders[string(k)] = string(v)
	})
	return &Response{Status: status, Data: out, Headers: respHeaders}, nil
}

// finish updates counters, publishes the completion event, and feeds the
// async request logger.
func (g *Gateway) finish(method, path, requestID string, opts RequestOptions, resp *Response, err error, elapsed time.Duration) {
	status := 0
	provider := ""
	cached := false
	errKind := ""
	if resp != nil {
		status = resp.Status
		provider = resp.Provider
		cached = resp.Cached
	}
	if err != nil {
		errKind = gwerr.Kind(err)
		if sc, ok := err.(gwerr.StatusCoder); ok {
			status = sc.HTTPStatus()
		}
	}

	if !cached {
		g.statsMu.Lock()
		g.total++
		if err == nil {
			g.successful++
		} else {
			g.failed++
			g.byErrorKind[errKind]++
		}
		if provider != "" {
			g.byProvider[provider]++
		}
		g.latencyMsSum += elapsed.Milliseconds()
		g.statsMu.Unlock()
	}

	if g.metrics != nil {
		label := provider
		if label == "" {
			label = "none"
		}
		cacheLabel := "miss"
		if cached {
			cacheLabel = "hit"
		}
		g.metrics.RecordRequest(label, status, elapsed.Milliseconds())
		g.metrics.ObserveGatewayRequest(label, path, cacheLabel, elapsed)
		if errKind != "" {
			g.metrics.RecordError(label, errKind)
		}
	}

	g.publish(eventbus.TypeAPICallCompleted, requestID, map[string]any{
		"endpoint":    path,
		"method":      method,
		"request_id":  requestID,
		"status_code": status,
		"duration_ms": elapsed.Milliseconds(),
		"cached":      cached,
		"error":       errKind,
		"user_id":     opts.UserID,
	})

	if g.reqLogger != nil {
		id, _ := uuid.Parse(requestID)
		g.reqLogger.Log(logger.RequestLog{
			ID:        id,
			Provider:  provider,
			Method:    method,
			Path:      path,
			Status:    uint16(status),
			LatencyMs: uint32(elapsed.Milliseconds()),
			Cached:    cached,
			ErrorKind: errKind,
			CreatedAt: time.Now(),
		})
	}
}

func (g *Gateway) publish(eventType, correlationID string, data map[string]any) {
	if g.bus == nil {
		return
	}
	g.bus.PublishCorrelated(eventType, data, correlationID)
	if g.metrics != nil {
		g.metrics.RecordEvent(eventType)
	}
}

// observeBreaker mirrors breaker state into the metrics registry.
func (g *Gateway) observeBreaker(name string, br *breaker.Breaker) {
	if g.metrics == nil {
		return
	}
	g.metrics.SetCircuitBreaker(name, int64(br.State()))
}

func (g *Gateway) cacheable(method, path string, opts RequestOptions) bool {
	if g.cache == nil || opts.SkipCache || method != fasthttp.MethodGet {
		return false
	}
	return !g.exclusions.Matches(path)
}

// HealthReport is the health_check() shape.
type HealthReport struct {
	HealthyProviders int             `json:"healthy_providers"`
	TotalProviders   int             `json:"total_providers"`
	Providers        map[string]bool `json:"providers"`
}

// HealthCheck reports per-provider health from the balancer's records.
func (g *Gateway) HealthCheck() HealthReport {
	report := HealthReport{Providers: make(map[string]bool)}

	g.mu.RLock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	g.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		healthy := g.balancer.IsHealthy(name)
		report.Providers[name] = healthy
		report.TotalProviders++
		if healthy {
			report.HealthyProviders++
		}
		if g.metrics != nil {
			g.metrics.SetProviderHealth(name, healthy)
			g.metrics.SetProviderHealthScore(name, g.balancer.HealthScore(name))
		}
	}
	return report
}

// CacheStatsView is the cache section of Stats.
type CacheStatsView struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRatePct float64 `json:"hit_rate_pct"`
}

// Stats is the get_stats() shape.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	SuccessRatePct     float64          `json:"success_rate_pct"`
	AvgLatencyMs       float64          `json:"avg_latency_ms"`
	Cache              CacheStatsView   `json:"cache"`
	CircuitBreaks      int64            `json:"circuit_breaks"`
	RequestsByProvider map[string]int64 `json:"requests_by_provider"`
	ErrorsByType       map[string]int64 `json:"errors_by_type"`
}

// GetStats returns a snapshot of the aggregate counters.
func (g *Gateway) GetStats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	st := Stats{
		TotalRequests:      g.total,
		SuccessfulRequests: g.successful,
		FailedRequests:     g.failed,
		CircuitBreaks:      g.circuitBreaks,
		Cache: CacheStatsView{
			Hits:   g.cacheHits,
			Misses: g.cacheMisses,
		},
		RequestsByProvider: make(map[string]int64, len(g.byProvider)),
		ErrorsByType:       make(map[string]int64, len(g.byErrorKind)),
	}
	for k, v := range g.byProvider {
		st.RequestsByProvider[k] = v
	}
	for k, v := range g.byErrorKind {
		st.ErrorsByType[k] = v
	}

	if g.total > 0 {
		st.SuccessRatePct = float64(g.successful) / float64(g.total) * 100
	}
	// Latency is only accumulated for requests that left the gateway, so
	// cache hits must not dilute the average.
	if upstream := g.total - g.cacheHits; upstream > 0 {
		st.AvgLatencyMs = float64(g.latencyMsSum) / float64(upstream)
	}
	if lookups := g.cacheHits + g.cacheMisses; lookups > 0 {
		st.Cache.HitRatePct = float64(g.cacheHits) / float64(lookups) * 100
	}
	return st
}

func buildURI(baseURL, path string, params map[string]string) string {
	uri := baseURL + path
	if len(params) == 0 {
		return uri
	}
	q := make(url.Values, len(params))
	for k, v := range params {
		q.Set(k, v)
	}
	return uri + "?" + q.Encode()
}

func backoff(base time.Duration, attempt int) time.Duration {
	return base << uint(attempt)
}
