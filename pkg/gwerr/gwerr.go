// Package gwerr defines the typed errors surfaced at the gateway boundary.
//
// Every failure mode the gateway can report is one concrete type in this
// package, so callers switch on error kind rather than parsing strings:
//
//	var co *gwerr.CircuitOpenError
//	if errors.As(err, &co) { ... }
//
// Kind() returns a stable short name used as the errors_by_type label in
// statistics and metrics.
package gwerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind names. Stable — used as metric labels and stats map keys.
const (
	KindCircuitOpen       = "circuit_open"
	KindNoHealthyProvider = "no_healthy_provider"
	KindUpstreamStatus    = "upstream_status"
	KindTimeout           = "timeout"
	KindTransport         = "transport"
	KindNotStarted        = "not_started"
	KindUnknownProvider   = "unknown_provider"
	KindInvalidConfig     = "invalid_config"
	KindAborted           = "aborted_by_middleware"
)

// Kinder is implemented by every error in this package.
type Kinder interface {
	Kind() string
}

// Kind classifies err. Errors from outside this package report "unknown".
func Kind(err error) string {
	var k Kinder
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "unknown"
}

// Retryable reports whether the gateway retry loop should attempt the
// request again. Circuit rejections, configuration errors, and middleware
// aborts are final; upstream statuses, timeouts, and transport faults are
// retried within the provider's retry budget.
func Retryable(err error) bool {
	switch Kind(err) {
	case KindUpstreamStatus, KindTimeout, KindTransport:
		return true
	}
	return false
}

// CircuitOpenError is returned when a provider's breaker denies admission.
type CircuitOpenError struct {
	Provider  string
	Remaining time.Duration // cooldown left before the next half-open probe
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for provider %q (retry in %s)", e.Provider, e.Remaining.Round(time.Millisecond))
}

func (e *CircuitOpenError) Kind() string { return KindCircuitOpen }

// NoHealthyProviderError is returned by the balancer when every registered
// provider is marked unhealthy or disabled.
type NoHealthyProviderError struct{}

func (e *NoHealthyProviderError) Error() string { return "no healthy provider available" }
func (e *NoHealthyProviderError) Kind() string  { return KindNoHealthyProvider }

// UpstreamStatusError wraps an upstream HTTP response with status >= 400.
// Body is retained verbatim so the final attempt can be surfaced unchanged.
type UpstreamStatusError struct {
	Status int
	Body   []byte
}

func (e *UpstreamStatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

func (e *UpstreamStatusError) Kind() string    { return KindUpstreamStatus }
func (e *UpstreamStatusError) HTTPStatus() int { return e.Status }

// TimeoutError is returned when the provider's per-request timeout elapses.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Elapsed.Round(time.Millisecond))
}

func (e *TimeoutError) Kind() string { return KindTimeout }

// TransportError covers connection-level failures (DNS, refused, reset).
type TransportError struct {
	Op     string // "dial", "write", "read"
	Detail string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %s", e.Op, e.Detail)
}

func (e *TransportError) Kind() string  { return KindTransport }
func (e *TransportError) Unwrap() error { return e.Err }

// NotStartedError is returned for any operation before Start or after Stop.
type NotStartedError struct{}

func (e *NotStartedError) Error() string { return "gateway is not started" }
func (e *NotStartedError) Kind() string  { return KindNotStarted }

// UnknownProviderError is returned when a request names a provider that is
// not registered (or has been unregistered).
type UnknownProviderError struct {
	Name string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown provider %q", e.Name)
}

func (e *UnknownProviderError) Kind() string { return KindUnknownProvider }

// InvalidConfigError reports a semantic configuration problem caught at
// registration or load time. Never retried.
type InvalidConfigError struct {
	Detail string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Detail)
}

func (e *InvalidConfigError) Kind() string { return KindInvalidConfig }

// AbortedError is produced when a pipeline middleware short-circuits the
// chain with its own response (401/403/429/...).
type AbortedError struct {
	Status  int
	Message string
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("aborted by middleware: %d %s", e.Status, e.Message)
}

func (e *AbortedError) Kind() string    { return KindAborted }
func (e *AbortedError) HTTPStatus() int { return e.Status }

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
