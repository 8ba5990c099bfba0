// Package httputil provides HTTP handler utilities for the 1Sub API:
// JSON encoding/decoding, the machine-readable error envelope, and
// rate-limit response headers.
package httputil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// API error codes returned in the error envelope. Vendor SDKs switch on
// these values, so they are wire-stable.
const (
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeToolNotFound          = "TOOL_NOT_FOUND"
	CodeToolNotActive         = "TOOL_NOT_ACTIVE"
	CodeNoSubscription        = "NO_SUBSCRIPTION"
	CodeSubscriptionInactive  = "SUBSCRIPTION_INACTIVE"
	CodeAccessRevoked         = "ACCESS_REVOKED"
	CodeRedirectNotConfigured = "REDIRECT_NOT_CONFIGURED"
	CodeExchangeFailed        = "EXCHANGE_FAILED"
	CodeInvalidRequest        = "INVALID_REQUEST"
	CodeInsufficientCredits   = "INSUFFICIENT_CREDITS"
	CodeRateLimited           = "RATE_LIMIT_EXCEEDED"
	CodeConflict              = "CONFLICT"
	CodeInternal              = "INTERNAL_ERROR"
)

// ErrorResponse is the standard error envelope. Internal error detail never
// appears here; it belongs in server-side logs only.
type ErrorResponse struct {
	Error      string         `json:"error"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	RetryAfter int            `json:"retryAfter,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data.
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created).
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteAPIError writes the error envelope with a stable machine code.
func WriteAPIError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message})
}

// WriteDetailedError writes the error envelope with additional context fields.
func WriteDetailedError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: code, Message: message, Details: details})
}

// WriteValidationError writes a 400 with code VALIDATION_ERROR.
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusBadRequest, CodeValidationError, message)
}

// WriteUnauthorized writes a 401 with code UNAUTHORIZED.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// WritePaymentRequired writes a 402 with the given code
// (NO_SUBSCRIPTION, SUBSCRIPTION_INACTIVE, INSUFFICIENT_CREDITS).
func WritePaymentRequired(w http.ResponseWriter, code, message string) {
	WriteAPIError(w, http.StatusPaymentRequired, code, message)
}

// WriteForbidden writes a 403 with the given code (ACCESS_REVOKED, TOOL_NOT_ACTIVE).
func WriteForbidden(w http.ResponseWriter, code, message string) {
	WriteAPIError(w, http.StatusForbidden, code, message)
}

// WriteNotFound writes a 404 with the given code.
func WriteNotFound(w http.ResponseWriter, code, message string) {
	WriteAPIError(w, http.StatusNotFound, code, message)
}

// WriteConflict writes a 409 with code CONFLICT.
func WriteConflict(w http.ResponseWriter, message string) {
	WriteAPIError(w, http.StatusConflict, CodeConflict, message)
}

// WriteInternalError writes a 500 with a generic message. The underlying
// error must be logged by the caller, never echoed to the client.
func WriteInternalError(w http.ResponseWriter) {
	WriteAPIError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
}

// RateLimitHeaders sets the standard rate-limit response headers.
func RateLimitHeaders(w http.ResponseWriter, limit, remaining int, resetAt time.Time) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", resetAt.Unix()))
}

// WriteRateLimited writes a 429 with headers, Retry-After, and a retryAfter
// field (in seconds) in the body.
func WriteRateLimited(w http.ResponseWriter, limit int, resetAt time.Time, retryAfter time.Duration) {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	RateLimitHeaders(w, limit, 0, resetAt)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	WriteJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded, retry after %d seconds", secs),
		RetryAfter: secs,
	})
}
