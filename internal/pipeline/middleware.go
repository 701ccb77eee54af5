package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/api-gateway/internal/ratelimit"
	"github.com/nulpointcorp/api-gateway/pkg/gwerr"
)

// Standard priorities. Higher runs first and nests outermost.
const (
	PriorityLogging   = 100
	PriorityMetrics   = 99
	PriorityError     = 95
	PriorityAuth      = 90
	PriorityRateLimit = 80
)

// Context data keys set by the standard middleware.
const (
	DataRequestID          = "request_id"
	DataRateLimitRemaining = "ratelimit_remaining"
	DataRateLimitReset     = "ratelimit_reset"
)

// LoggingMiddleware assigns a request id and logs entry and exit. Paths in
// the quiet set (health probes, metrics scrapes) skip both log lines but
// still get a request id.
type LoggingMiddleware struct {
	log        *slog.Logger
	quietPaths map[string]struct{}
}

func NewLoggingMiddleware(log *slog.Logger, quietPaths []string) *LoggingMiddleware {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, p := range quietPaths {
		quiet[p] = struct{}{}
	}
	return &LoggingMiddleware{log: log, quietPaths: quiet}
}

func (m *LoggingMiddleware) Name() string  { return "logging" }
func (m *LoggingMiddleware) Priority() int { return PriorityLogging }

func (m *LoggingMiddleware) Process(ctx *Context, next Next) (*Response, error) {
	rid := uuid.NewString()
	ctx.Data[DataRequestID] = rid

	_, quiet := m.quietPaths[ctx.Request.Path]
	if !quiet {
		m.log.Info("request started",
			slog.String("request_id", rid),
			slog.String("method", ctx.Request.Method),
			slog.String("path", ctx.Request.Path))
	}

	start := time.Now()
	resp, err := next(ctx)
	elapsed := time.Since(start)

	if !quiet {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		m.log.Info("request finished",
			slog.String("request_id", rid),
			slog.String("path", ctx.Request.Path),
			slog.Int("status", status),
			slog.Duration("elapsed", elapsed),
			slog.Bool("aborted", ctx.Aborted()))
	}
	return resp, err
}

// MetricsMiddleware stamps wall time for every request, including aborted
// and failed ones, through the observe callback.
type MetricsMiddleware struct {
	observe func(path string, status int, elapsed time.Duration)
}

func NewMetricsMiddleware(observe func(path string, status int, elapsed time.Duration)) *MetricsMiddleware {
	return &MetricsMiddleware{observe: observe}
}

func (m *MetricsMiddleware) Name() string  { return "metrics" }
func (m *MetricsMiddleware) Priority() int { return PriorityMetrics }

func (m *MetricsMiddleware) Process(ctx *Context, next Next) (resp *Response, err error) {
	start := time.Now()
	defer func() {
		status := 0
		if resp != nil {
			status = resp.Status
		}
		m.observe(ctx.Request.Path, status, time.Since(start))
	}()
	return next(ctx)
}

// ErrorMiddleware converts downstream panics and untyped error returns into
// a 500 response. Typed gateway errors keep their classification and
// propagate to the caller, which owns the status mapping. Intentional aborts
// are plain responses and pass through untouched. With debug enabled the 500
// body carries the failure detail.
type ErrorMiddleware struct {
	log   *slog.Logger
	debug bool
}

func NewErrorMiddleware(log *slog.Logger, debug bool) *ErrorMiddleware {
	return &ErrorMiddleware{log: log, debug: debug}
}

func (m *ErrorMiddleware) Name() string  { return "error" }
func (m *ErrorMiddleware) Priority() int { return PriorityError }

func (m *ErrorMiddleware) Process(ctx *Context, next Next) (resp *Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in request chain",
				slog.String("path", ctx.Request.Path),
				slog.Any("panic", r))
			resp, err = m.internalError(fmt.Sprintf("panic: %v", r)), nil
		}
	}()

	resp, err = next(ctx)
	if err != nil {
		var kinder gwerr.Kinder
		if errors.As(err, &kinder) {
			return nil, err
		}
		m.log.Error("request chain failed",
			slog.String("path", ctx.Request.Path),
			slog.Any("error", err))
		return m.internalError(err.Error()), nil
	}
	return resp, nil
}

func (m *ErrorMiddleware) internalError(detail string) *Response {
	body := "internal server error"
	if m.debug {
		body = detail
	}
	return &Response{
		Status:  http.StatusInternalServerError,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    []byte(body),
	}
}

// AuthMiddleware requires an authenticated principal carrying every
// configured permission. Paths in the skip set pass through unchecked.
type AuthMiddleware struct {
	skipPaths   map[string]struct{}
	permissions []string
}

func NewAuthMiddleware(skipPaths, requiredPermissions []string) *AuthMiddleware {
	skip := make(map[string]struct{}, len(skipPaths))
	for _, p := range skipPaths {
		skip[p] = struct{}{}
	}
	return &AuthMiddleware{skipPaths: skip, permissions: requiredPermissions}
}

func (m *AuthMiddleware) Name() string  { return "auth" }
func (m *AuthMiddleware) Priority() int { return PriorityAuth }

func (m *AuthMiddleware) Process(ctx *Context, next Next) (*Response, error) {
	if _, ok := m.skipPaths[ctx.Request.Path]; ok {
		return next(ctx)
	}

	if ctx.Principal == nil {
		return ctx.Abort(http.StatusUnauthorized, "authentication required"), nil
	}
	for _, perm := range m.permissions {
		if !ctx.Principal.HasPermission(perm) {
			return ctx.Abort(http.StatusForbidden, "missing permission: "+perm), nil
		}
	}
	return next(ctx)
}

// RateLimitMiddleware enforces the per-principal sliding windows.
// Anonymous requests share one budget under the fallback principal.
type RateLimitMiddleware struct {
	limiter ratelimit.Limiter
}

func NewRateLimitMiddleware(limiter ratelimit.Limiter) *RateLimitMiddleware {
	return &RateLimitMiddleware{limiter: limiter}
}

func (m *RateLimitMiddleware) Name() string  { return "ratelimit" }
func (m *RateLimitMiddleware) Priority() int { return PriorityRateLimit }

func (m *RateLimitMiddleware) Process(ctx *Context, next Next) (*Response, error) {
	principal := "anonymous"
	if ctx.Principal != nil {
		principal = ctx.Principal.ID
	}

	d, err := m.limiter.Allow(ctx.Context(), principal)
	if err != nil {
		return nil, err
	}

	ctx.Data[DataRateLimitRemaining] = d.Remaining
	ctx.Data[DataRateLimitReset] = d.Reset

	if !d.Allowed {
		resp := ctx.Abort(http.StatusTooManyRequests, "rate limit exceeded")
		resp.SetHeader("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(d.Reset)))
		return resp, nil
	}
	return next(ctx)
}

func retryAfterSeconds(reset time.Time) int {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}
