package gateway

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/api-gateway/internal/eventbus"
	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

// providerHeader pins a proxied request to a named provider.
const providerHeader = "X-Gateway-Provider"

// ServerOptions configures the HTTP surface.
type ServerOptions struct {
	// CORSOrigins is the allowlist handed to the CORS middleware.
	CORSOrigins []string

	// MetricsHandler serves GET /metrics when non-nil.
	MetricsHandler fasthttp.RequestHandler
}

// Handler builds the gateway's HTTP surface: the proxy route plus the
// management API, wrapped in recovery, request-id, timing, CORS, and
// security-header middleware.
func (g *Gateway) Handler(opts ServerOptions) fasthttp.RequestHandler {
	r := router.New()

	r.ANY("/proxy/{path:*}", g.handleProxy)

	r.GET("/health", g.handleHealth)
	r.GET("/stats", g.handleStats)

	r.GET("/admin/providers", g.handleListProviders)
	r.POST("/admin/providers", g.handleRegisterProvider)
	r.DELETE("/admin/providers/{name}", g.handleUnregisterProvider)
	r.GET("/admin/breakers", g.handleBreakers)
	r.POST("/admin/breakers/{name}/reset", g.handleResetBreaker)
	r.POST("/admin/cache/invalidate", g.handleInvalidateCache)
	r.GET("/admin/events", g.handleEvents)

	if opts.MetricsHandler != nil {
		r.GET("/metrics", opts.MetricsHandler)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing(g.metrics),
		corsHandler(opts.CORSOrigins),
		securityHeaders,
	)
}

// Serve starts the HTTP server on addr (e.g. ":8080"). It blocks until the
// listener fails or is closed.
func (g *Gateway) Serve(addr string, opts ServerOptions) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(opts),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// handleProxy forwards the request through the mediation core. The target
// path is everything after /proxy; a provider can be pinned with the
// X-Gateway-Provider header.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	path := "/" + ctx.UserValue("path").(string)

	params := make(map[string]string)
	ctx.QueryArgs().VisitAll(func(k, v []byte) {
		params[string(k)] = string(v)
	})

	headers := make(map[string]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		switch key {
		case "Host", "Content-Length", providerHeader:
			return
		}
		headers[key] = string(v)
	})

	resp, err := g.Request(ctx, string(ctx.Method()), path, RequestOptions{
		Provider:  string(ctx.Request.Header.Peek(providerHeader)),
		Params:    params,
		Headers:   headers,
		Body:      ctx.PostBody(),
		SkipCache: string(ctx.Request.Header.Peek("Cache-Control")) == "no-cache",
	})
	if err != nil {
		gwerr.WriteError(ctx, err)
		return
	}

	ctx.SetStatusCode(resp.Status)
	for k, v := range resp.Headers {
		ctx.Response.Header.Set(k, v)
	}
	if resp.Cached {
		ctx.Response.Header.Set("X-Cache", "HIT")
	} else {
		ctx.Response.Header.Set("X-Cache", "MISS")
	}
	ctx.SetBody(resp.Data)
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	report := g.HealthCheck()
	if report.TotalProviders > 0 && report.HealthyProviders == 0 {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}
	writeJSON(ctx, report)
}

func (g *Gateway) handleStats(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.GetStats())
}

func (g *Gateway) handleListProviders(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.Providers())
}

func (g *Gateway) handleRegisterProvider(ctx *fasthttp.RequestCtx) {
	var body struct {
		ProviderSpec
		APIKey  string `json:"api_key"`
		Enabled *bool  `json:"enabled"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		gwerr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), gwerr.TypeInvalidRequest, gwerr.CodeInvalidRequest)
		return
	}

	spec := body.ProviderSpec
	spec.APIKey = body.APIKey
	spec.Enabled = body.Enabled == nil || *body.Enabled
	if err := g.RegisterProvider(spec); err != nil {
		gwerr.WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusCreated)
	writeJSON(ctx, map[string]string{"status": "registered", "name": spec.Name})
}

func (g *Gateway) handleUnregisterProvider(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	if _, ok := g.Provider(name); !ok {
		gwerr.WriteError(ctx, &gwerr.UnknownProviderError{Name: name})
		return
	}
	g.UnregisterProvider(name)
	writeJSON(ctx, map[string]string{"status": "unregistered", "name": name})
}

func (g *Gateway) handleBreakers(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.breakers.Snapshots())
}

func (g *Gateway) handleResetBreaker(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	br := g.breakers.Get(name)
	if br == nil {
		gwerr.WriteError(ctx, &gwerr.UnknownProviderError{Name: name})
		return
	}
	br.Reset()
	writeJSON(ctx, map[string]string{"status": "reset", "name": name})
}

// handleInvalidateCache drops cached entries by prefix, tag, or namespace.
// Exactly one selector must be supplied.
func (g *Gateway) handleInvalidateCache(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		gwerr.Write(ctx, fasthttp.StatusBadRequest,
			"cache is disabled", gwerr.TypeInvalidRequest, gwerr.CodeInvalidRequest)
		return
	}

	var body struct {
		Prefix    string `json:"prefix"`
		Tag       string `json:"tag"`
		Namespace string `json:"namespace"`
	}
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		gwerr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(), gwerr.TypeInvalidRequest, gwerr.CodeInvalidRequest)
		return
	}

	var (
		removed int
		err     error
	)
	switch {
	case body.Prefix != "":
		removed, err = g.cache.InvalidatePrefix(ctx, body.Prefix)
	case body.Tag != "":
		removed, err = g.cache.InvalidateTag(ctx, body.Tag)
	case body.Namespace != "":
		removed, err = g.cache.InvalidateNamespace(ctx, body.Namespace)
	default:
		gwerr.Write(ctx, fasthttp.StatusBadRequest,
			"one of prefix, tag, or namespace is required", gwerr.TypeInvalidRequest, gwerr.CodeInvalidRequest)
		return
	}
	if err != nil {
		gwerr.WriteError(ctx, err)
		return
	}
	writeJSON(ctx, map[string]int{"removed": removed})
}

// handleEvents queries the event bus history ring.
func (g *Gateway) handleEvents(ctx *fasthttp.RequestCtx) {
	if g.bus == nil {
		writeJSON(ctx, []eventbus.Event{})
		return
	}

	f := eventbus.Filter{
		Type:   string(ctx.QueryArgs().Peek("type")),
		UserID: string(ctx.QueryArgs().Peek("user")),
		Limit:  ctx.QueryArgs().GetUintOrZero("limit"),
	}
	events := g.bus.History(f)
	if events == nil {
		events = []eventbus.Event{}
	}
	writeJSON(ctx, events)
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
