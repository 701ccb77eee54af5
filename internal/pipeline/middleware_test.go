package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/api-gateway/internal/ratelimit"
	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLoggingMiddleware_AssignsRequestID(t *testing.T) {
	p := New()
	p.Use(NewLoggingMiddleware(discardLogger(), nil))

	ctx := newCtx("GET", "/x")
	if _, err := p.Execute(ctx, okHandler(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	rid, ok := ctx.Data[DataRequestID].(string)
	if !ok || rid == "" {
		t.Fatalf("request id not set: %v", ctx.Data[DataRequestID])
	}
}

func TestLoggingMiddleware_QuietPathsSkipLogs(t *testing.T) {
	var buf strings.Builder
	log := slog.New(slog.NewTextHandler(&buf, nil))

	p := New()
	p.Use(NewLoggingMiddleware(log, []string{"/health"}))

	ctx := newCtx("GET", "/health")
	if _, err := p.Execute(ctx, okHandler(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if buf.Len() != 0 {
		t.Fatalf("quiet path produced log output: %s", buf.String())
	}
	if _, ok := ctx.Data[DataRequestID]; !ok {
		t.Fatal("quiet path should still get a request id")
	}
}

func TestMetricsMiddleware_ObservesSuccess(t *testing.T) {
	var gotPath string
	var gotStatus int
	var gotElapsed time.Duration

	p := New()
	p.Use(NewMetricsMiddleware(func(path string, status int, elapsed time.Duration) {
		gotPath, gotStatus, gotElapsed = path, status, elapsed
	}))

	if _, err := p.Execute(newCtx("GET", "/api/users"), okHandler(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if gotPath != "/api/users" || gotStatus != http.StatusOK {
		t.Fatalf("observed %s %d", gotPath, gotStatus)
	}
	if gotElapsed < 0 {
		t.Fatalf("elapsed = %v", gotElapsed)
	}
}

func TestMetricsMiddleware_ObservesFailure(t *testing.T) {
	observed := false

	p := New()
	p.Use(NewMetricsMiddleware(func(string, int, time.Duration) {
		observed = true
	}))

	_, err := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
		return nil, errors.New("boom")
	})
	if err == nil {
		t.Fatal("handler error should propagate through metrics")
	}
	if !observed {
		t.Fatal("duration must be stamped even on failure")
	}
}

func TestErrorMiddleware_ConvertsErrorTo500(t *testing.T) {
	p := New()
	p.Use(NewErrorMiddleware(discardLogger(), false))

	resp, err := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
		return nil, errors.New("db on fire")
	})
	if err != nil {
		t.Fatalf("error middleware should swallow the error, got %v", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
	if strings.Contains(string(resp.Body), "db on fire") {
		t.Fatal("non-debug body must omit internals")
	}
}

func TestErrorMiddleware_DebugExposesDetail(t *testing.T) {
	p := New()
	p.Use(NewErrorMiddleware(discardLogger(), true))

	resp, _ := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
		return nil, errors.New("db on fire")
	})
	if !strings.Contains(string(resp.Body), "db on fire") {
		t.Fatalf("debug body should carry the detail, got %q", resp.Body)
	}
}

func TestErrorMiddleware_RecoversPanic(t *testing.T) {
	p := New()
	p.Use(NewErrorMiddleware(discardLogger(), false))

	resp, err := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
		panic("unexpected nil")
	})
	if err != nil {
		t.Fatalf("panic should become a response, got error %v", err)
	}
	if resp.Status != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.Status)
	}
}

func TestErrorMiddleware_PassesAbortsThrough(t *testing.T) {
	var trace []string
	p := New()
	p.Use(NewErrorMiddleware(discardLogger(), false))
	p.Use(&recordingMiddleware{name: "blocker", priority: 50, trace: &trace, abort: http.StatusTeapot})

	resp, err := p.Execute(newCtx("GET", "/x"), okHandler(&trace))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusTeapot {
		t.Fatalf("intentional abort rewritten to %d", resp.Status)
	}
}

func TestErrorMiddleware_PropagatesTypedErrors(t *testing.T) {
	p := New()
	p.Use(NewErrorMiddleware(discardLogger(), false))

	for _, typed := range []error{
		&gwerr.UpstreamStatusError{Status: http.StatusBadGateway},
		&gwerr.CircuitOpenError{Provider: "p", Remaining: time.Second},
		&gwerr.NoHealthyProviderError{},
	} {
		resp, err := p.Execute(newCtx("GET", "/x"), func(*Context) (*Response, error) {
			return nil, typed
		})
		if resp != nil {
			t.Fatalf("%T rewritten to response %d", typed, resp.Status)
		}
		if !errors.Is(err, typed) {
			t.Fatalf("err = %v, want %v", err, typed)
		}
		if gwerr.Kind(err) != gwerr.Kind(typed) {
			t.Fatalf("kind = %s, want %s", gwerr.Kind(err), gwerr.Kind(typed))
		}
	}
}

func TestAuthMiddleware_SkipPaths(t *testing.T) {
	p := New()
	p.Use(NewAuthMiddleware([]string{"/health"}, nil))

	resp, err := p.Execute(newCtx("GET", "/health"), okHandler(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("skip path rejected with %d", resp.Status)
	}
}

func TestAuthMiddleware_MissingPrincipal(t *testing.T) {
	p := New()
	p.Use(NewAuthMiddleware(nil, nil))

	ctx := newCtx("GET", "/api/users")
	resp, err := p.Execute(ctx, okHandler(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.Status)
	}
	if !ctx.Aborted() {
		t.Fatal("missing principal should abort the chain")
	}
}

func TestAuthMiddleware_MissingPermission(t *testing.T) {
	p := New()
	p.Use(NewAuthMiddleware(nil, []string{"read", "write"}))

	ctx := newCtx("DELETE", "/api/users/1")
	ctx.Principal = &Principal{ID: "u1", Permissions: []string{"read"}}

	resp, err := p.Execute(ctx, okHandler(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.Status)
	}
}

func TestAuthMiddleware_AllPermissionsPresent(t *testing.T) {
	p := New()
	p.Use(NewAuthMiddleware(nil, []string{"read"}))

	ctx := newCtx("GET", "/api/users")
	ctx.Principal = &Principal{ID: "u1", Permissions: []string{"read", "write"}}

	resp, err := p.Execute(ctx, okHandler(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
}

func TestRateLimitMiddleware_RejectsWith429(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Limits{PerMinute: 2, Burst: 10})
	p := New()
	p.Use(NewRateLimitMiddleware(limiter))

	mkCtx := func() *Context {
		ctx := newCtx("GET", "/api/users")
		ctx.Principal = &Principal{ID: "u1"}
		return ctx
	}

	for i := 0; i < 2; i++ {
		resp, err := p.Execute(mkCtx(), okHandler(nil))
		if err != nil || resp.Status != http.StatusOK {
			t.Fatalf("request %d = %v, %v", i, resp, err)
		}
	}

	ctx := mkCtx()
	resp, err := p.Execute(ctx, okHandler(nil))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.Status)
	}
	if resp.Headers["Retry-After"] == "" {
		t.Fatal("429 response should carry Retry-After")
	}
	if rem, ok := ctx.Data[DataRateLimitRemaining].(int); !ok || rem != 0 {
		t.Fatalf("remaining = %v, want 0", ctx.Data[DataRateLimitRemaining])
	}
	if _, ok := ctx.Data[DataRateLimitReset].(time.Time); !ok {
		t.Fatal("reset time not recorded")
	}
}

func TestRateLimitMiddleware_RecordsBudget(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(ratelimit.Limits{PerMinute: 10, Burst: 10})
	p := New()
	p.Use(NewRateLimitMiddleware(limiter))

	ctx := newCtx("GET", "/api/users")
	ctx.Principal = &Principal{ID: "u1"}

	if _, err := p.Execute(ctx, okHandler(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if rem, ok := ctx.Data[DataRateLimitRemaining].(int); !ok || rem != 9 {
		t.Fatalf("remaining = %v, want 9", ctx.Data[DataRateLimitRemaining])
	}
}

// ctxCapturingLimiter records the context the middleware hands to Allow.
type ctxCapturingLimiter struct {
	got context.Context
}

func (l *ctxCapturingLimiter) Allow(ctx context.Context, _ string) (ratelimit.Decision, error) {
	l.got = ctx
	return ratelimit.Decision{Allowed: true, Remaining: 1, Reset: time.Now()}, nil
}

func TestRateLimitMiddleware_UsesRequestContext(t *testing.T) {
	limiter := &ctxCapturingLimiter{}
	p := New()
	p.Use(NewRateLimitMiddleware(limiter))

	type key struct{}
	reqCtx := context.WithValue(context.Background(), key{}, "v")
	ctx := newCtx("GET", "/api/users").WithContext(reqCtx)

	if _, err := p.Execute(ctx, okHandler(nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if limiter.got == nil || limiter.got.Value(key{}) != "v" {
		t.Fatal("limiter did not receive the request context")
	}
}
