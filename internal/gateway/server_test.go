package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/api-gateway/internal/eventbus"
)

// serveGateway starts the full router on an in-memory listener and returns
// an HTTP client wired to it.
func serveGateway(t *testing.T, g *Gateway, opts ServerOptions) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, g.Handler(opts))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

// --- /proxy -----------------------------------------------------------------

func TestServer_ProxyRoute(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, `{"pong":true}`)}
	g := newTestGateway(t, Options{}, nil, doer)
	client := serveGateway(t, g, ServerOptions{})

	resp, err := client.Get("http://gw/proxy/ping")
	if err != nil {
		t.Fatalf("GET /proxy/ping: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"pong":true}` {
		t.Fatalf("body = %q", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header missing")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("X-Response-Time header missing")
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers missing")
	}
}

func TestServer_ProxyPinnedProvider(t *testing.T) {
	var calls int
	doer := &stubDoer{handler: func(req *fasthttp.Request, resp *fasthttp.Response) error {
		calls++
		resp.SetStatusCode(200)
		return nil
	}}
	g := newTestGateway(t, Options{}, nil, doer)
	client := serveGateway(t, g, ServerOptions{})

	req, _ := http.NewRequest("GET", "http://gw/proxy/x", nil)
	req.Header.Set(providerHeader, "ghost")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown pinned provider", resp.StatusCode)
	}
	if calls != 0 {
		t.Error("no upstream call expected")
	}

	var env struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("error envelope: %v (%s)", err, body)
	}
	if env.Error.Code != "unknown_provider" {
		t.Errorf("code = %q, want unknown_provider", env.Error.Code)
	}
}

func TestServer_ProxyUpstreamFailureMapsTo502(t *testing.T) {
	doer := &stubDoer{handler: respondWith(500, "boom")}
	g := newTestGateway(t, Options{}, func(s *ProviderSpec) {
		s.RetryAttempts = 1
	}, doer)
	client := serveGateway(t, g, ServerOptions{})

	resp, err := client.Get("http://gw/proxy/x")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)
	client := serveGateway(t, g, ServerOptions{CORSOrigins: []string{"https://app.example.com"}})

	req, _ := http.NewRequest(http.MethodOptions, "http://gw/proxy/x", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow-origin = %q", got)
	}
}

// --- /health and /stats -----------------------------------------------------

func TestServer_HealthDegraded(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)
	g.Balancer().SetHealthy("p", false)

	ctx := &fasthttp.RequestCtx{}
	g.handleHealth(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503 when no provider is healthy", ctx.Response.StatusCode())
	}

	var report HealthReport
	if err := json.Unmarshal(ctx.Response.Body(), &report); err != nil {
		t.Fatalf("parse report: %v", err)
	}
	if report.HealthyProviders != 0 || report.TotalProviders != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestServer_Stats(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)
	if _, err := g.Get(context.Background(), "/x", RequestOptions{}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx := &fasthttp.RequestCtx{}
	g.handleStats(ctx)

	var st Stats
	if err := json.Unmarshal(ctx.Response.Body(), &st); err != nil {
		t.Fatalf("parse stats: %v", err)
	}
	if st.TotalRequests != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

// --- admin ------------------------------------------------------------------

func TestServer_RegisterProvider(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBodyString(`{
		"name": "newprov",
		"base_url": "https://api.newprov.example/",
		"api_key": "k",
		"weight": 25
	}`)
	g.handleRegisterProvider(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusCreated {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	spec, ok := g.Provider("newprov")
	if !ok {
		t.Fatal("provider not registered")
	}
	if spec.BaseURL != "https://api.newprov.example" {
		t.Errorf("base url = %q, want trailing slash trimmed", spec.BaseURL)
	}
	if spec.APIKey != "k" || !spec.Enabled {
		t.Errorf("spec = %+v", spec)
	}
}

func TestServer_RegisterProviderRejectsBadSpec(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)

	for name, body := range map[string]string{
		"bad json":   `{`,
		"no name":    `{"base_url": "https://x.example"}`,
		"bad scheme": `{"name": "x", "base_url": "ftp://x.example"}`,
	} {
		ctx := &fasthttp.RequestCtx{}
		ctx.Request.SetBodyString(body)
		g.handleRegisterProvider(ctx)
		if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, ctx.Response.StatusCode())
		}
	}
}

func TestServer_UnregisterProvider(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("name", "p")
	g.handleUnregisterProvider(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if _, ok := g.Provider("p"); ok {
		t.Fatal("provider should be gone")
	}

	ctx = &fasthttp.RequestCtx{}
	ctx.SetUserValue("name", "p")
	g.handleUnregisterProvider(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", ctx.Response.StatusCode())
	}
}

func TestServer_ResetBreaker(t *testing.T) {
	doer := &stubDoer{handler: respondWith(500, "boom")}
	g := newTestGateway(t, Options{}, func(s *ProviderSpec) {
		s.RetryAttempts = 1
	}, doer)

	// Trip the breaker, then reset it through the admin route.
	for i := 0; i < 5; i++ {
		g.Get(context.Background(), "/x", RequestOptions{})
	}
	br := g.Breakers().Get("p")
	if br == nil || br.State().String() != "open" {
		t.Fatal("breaker should be open")
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("name", "p")
	g.handleResetBreaker(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d", ctx.Response.StatusCode())
	}
	if br.State().String() != "closed" {
		t.Fatalf("state after reset = %s", br.State())
	}
}

func TestServer_InvalidateCacheRequiresSelector(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{Cache: newTestCache(t)}, nil, doer)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBodyString(`{}`)
	g.handleInvalidateCache(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400 without a selector", ctx.Response.StatusCode())
	}
}

func TestServer_InvalidateCacheByTag(t *testing.T) {
	mgr := newTestCache(t)
	doer := &stubDoer{handler: respondWith(200, "fresh")}
	g := newTestGateway(t, Options{Cache: mgr}, nil, doer)

	// Fill the cache through a real request so the provider tag is attached.
	if _, err := g.Get(context.Background(), "/x", RequestOptions{}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBodyString(`{"tag": "provider:p"}`)
	g.handleInvalidateCache(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("status = %d, body = %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out map[string]int
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if out["removed"] != 1 {
		t.Fatalf("removed = %d, want 1", out["removed"])
	}

	// The next request misses and goes upstream again.
	if _, err := g.Get(context.Background(), "/x", RequestOptions{}); err != nil {
		t.Fatalf("Get after invalidate: %v", err)
	}
	if doer.Calls() != 2 {
		t.Fatalf("upstream calls = %d, want 2", doer.Calls())
	}
}

func TestServer_EventsQuery(t *testing.T) {
	bus := eventbus.New(eventbus.Options{Logger: quietLogger()})
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{Bus: bus}, nil, doer)

	if _, err := g.Get(context.Background(), "/x", RequestOptions{UserID: "u1"}); err != nil {
		t.Fatalf("Get: %v", err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.QueryArgs().Set("type", eventbus.TypeAPICallCompleted)
	g.handleEvents(ctx)

	var events []eventbus.Event
	if err := json.Unmarshal(ctx.Response.Body(), &events); err != nil {
		t.Fatalf("parse events: %v", err)
	}
	if len(events) != 1 || events[0].Type != eventbus.TypeAPICallCompleted {
		t.Fatalf("events = %+v", events)
	}
}

func TestServer_EventsWithoutBus(t *testing.T) {
	doer := &stubDoer{handler: respondWith(200, "ok")}
	g := newTestGateway(t, Options{}, nil, doer)

	ctx := &fasthttp.RequestCtx{}
	g.handleEvents(ctx)

	if body := strings.TrimSpace(string(ctx.Response.Body())); body != "[]" {
		t.Fatalf("body = %q, want empty array", body)
	}
}

func TestServer_ProxyNoCacheHeaderBypasses(t *testing.T) {
	mgr := newTestCache(t)
	doer := &stubDoer{handler: respondWith(200, "fresh")}
	g := newTestGateway(t, Options{Cache: mgr}, nil, doer)
	client := serveGateway(t, g, ServerOptions{})

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest("GET", "http://gw/proxy/x", nil)
		req.Header.Set("Cache-Control", "no-cache")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
	}
	if doer.Calls() != 2 {
		t.Fatalf("upstream calls = %d, want 2", doer.Calls())
	}
}
