// Package apierr provides the structured API error envelope returned to
// clients, compatible with the upstream OpenAI-style error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// Error type constants, one per kind in the error handling design.
const (
	TypeAuthentication = "authentication_error"
	TypeRateLimit      = "rate_limit_exceeded"
	TypeValidation     = "validation_error"
	TypeServiceUnavail = "service_unavailable"
	TypeAPIError       = "api_error"
	TypeInternal       = "internal"
)

// Code constants.
const (
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
)

// APIError is the structured error body. Param is nullable; a zero value
// marshals as JSON null via pointer semantics, matching the upstream
// ErrorDetail shape (message, type, param, code).
type (
	APIError struct {
		Message string  `json:"message"`
		Type    string  `json:"type"`
		Param   *string `json:"param"`
		Code    *string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Write writes the error envelope as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    strPtr(code),
	}})
	ctx.SetBody(body)
}

// WriteAuthError writes a 401 authentication_error with code invalid_api_key.
func WriteAuthError(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusUnauthorized, message, TypeAuthentication, CodeInvalidAPIKey)
}

// WriteRateLimit writes a 429 rate_limit_exceeded with Retry-After: 60.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimit, CodeRateLimitExceeded)
}

// WriteUpstreamJSON propagates an upstream JSON error body verbatim under its
// original status code; the body is never re-wrapped, whatever its shape.
func WriteUpstreamJSON(ctx *fasthttp.RequestCtx, status int, body []byte) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// WriteUpstreamNonJSON synthesizes an api_error envelope for a non-JSON
// upstream error body.
func WriteUpstreamNonJSON(ctx *fasthttp.RequestCtx, status int) {
	Write(ctx, status, "OpenAI API error: "+strconv.Itoa(status), TypeAPIError, "")
}

// WriteServiceUnavailable writes a 502 after retry exhaustion on a transport
// error.
func WriteServiceUnavailable(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadGateway, message, TypeServiceUnavail, "")
}

// WriteValidation writes a 400 validation_error.
func WriteValidation(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeValidation, "")
}

// WriteInternal writes a 500 internal error.
func WriteInternal(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusInternalServerError, message, TypeInternal, CodeInternalError)
}

