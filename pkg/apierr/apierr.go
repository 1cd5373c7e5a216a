// Package apierr provides structured API error types and HTTP status
// mapping for the router's JSON surface.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeValidationError  = "validation_error"
	TypeBudgetError      = "budget_error"
	TypeRateLimitError   = "rate_limit_error"
	TypeUnavailableError = "service_unavailable"
	TypeNotFoundError    = "not_found"
	TypeServerError      = "server_error"
)

// Code constants.
const (
	CodeValidationFailed   = "validation_failed"
	CodeBudgetExceeded     = "budget_exceeded"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeProvidersExhausted = "all_providers_unavailable"
	CodeUnknownProvider    = "unknown_provider"
	CodeInternalError      = "internal_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
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

// WriteValidation writes a 422 validation error.
func WriteValidation(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusUnprocessableEntity, msg, TypeValidationError, CodeValidationFailed)
}

// WriteBudgetExceeded writes a 402 budget error.
func WriteBudgetExceeded(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusPaymentRequired, "user budget exceeded", TypeBudgetError, CodeBudgetExceeded)
}

// WriteUnavailable writes a 503 when every provider was filtered out or failed.
func WriteUnavailable(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "all providers unavailable", TypeUnavailableError, CodeProvidersExhausted)
}

// WriteNotFound writes a 404 for admin operations on unknown providers.
func WriteNotFound(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusNotFound, msg, TypeNotFoundError, CodeUnknownProvider)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteInternal writes a 500 server error.
func WriteInternal(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusInternalServerError, msg, TypeServerError, CodeInternalError)
}
