package gwerr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"
)

// ErrorType constants used in the JSON error envelope.
const (
	TypeProviderError  = "provider_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeAuthError      = "authentication_error"
	TypeServerError    = "server_error"
)

// Error code constants for the envelope's code field.
const (
	CodeInvalidRequest = "invalid_request"
	CodeInternalError  = "internal_error"
)

type (
	// APIError is the structured error returned to HTTP clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteError maps a gateway error to the appropriate HTTP response.
//
//	CircuitOpen        → 503 + Retry-After
//	NoHealthyProvider  → 503
//	UpstreamStatus 429 → 429 + Retry-After
//	UpstreamStatus 5xx → 502
//	Timeout            → 504
//	Transport          → 502
//	Aborted            → middleware-chosen status
//	UnknownProvider    → 404
//	InvalidConfig      → 400
//	NotStarted         → 503
//	anything else      → 502
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	var (
		co      *CircuitOpenError
		up      *UpstreamStatusError
		aborted *AbortedError
	)

	switch {
	case errors.As(err, &co):
		ctx.Response.Header.Set("Retry-After", "30")
		Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), TypeProviderError, KindCircuitOpen)

	case errors.As(err, new(*NoHealthyProviderError)):
		Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), TypeProviderError, KindNoHealthyProvider)

	case errors.As(err, &up):
		switch {
		case up.Status == fasthttp.StatusTooManyRequests:
			ctx.Response.Header.Set("Retry-After", "60")
			Write(ctx, fasthttp.StatusTooManyRequests, err.Error(), TypeRateLimitError, "rate_limit_exceeded")
		default:
			Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeProviderError, KindUpstreamStatus)
		}

	case errors.As(err, new(*TimeoutError)):
		Write(ctx, fasthttp.StatusGatewayTimeout, err.Error(), TypeProviderError, KindTimeout)

	case errors.As(err, &aborted):
		Write(ctx, aborted.Status, aborted.Message, TypeInvalidRequest, KindAborted)

	case errors.As(err, new(*UnknownProviderError)):
		Write(ctx, fasthttp.StatusNotFound, err.Error(), TypeInvalidRequest, KindUnknownProvider)

	case errors.As(err, new(*InvalidConfigError)):
		Write(ctx, fasthttp.StatusBadRequest, err.Error(), TypeInvalidRequest, KindInvalidConfig)

	case errors.As(err, new(*NotStartedError)):
		Write(ctx, fasthttp.StatusServiceUnavailable, err.Error(), TypeServerError, KindNotStarted)

	default:
		Write(ctx, fasthttp.StatusBadGateway, err.Error(), TypeProviderError, "provider_error")
	}
}
