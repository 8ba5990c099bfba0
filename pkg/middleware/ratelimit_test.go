package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/onesub/vendorauth/pkg/ratelimit"
	"github.com/onesub/vendorauth/pkg/tools"
)

type failingLimiter struct{}

func (failingLimiter) Check(ctx context.Context, key string, limit ratelimit.Limit) (*ratelimit.Result, error) {
	return nil, errors.New("redis down")
}

func (failingLimiter) Reset(ctx context.Context, key string) error { return nil }

func withTool(r *http.Request, tool *tools.Tool) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), toolKey, tool))
}

func TestRateLimitEnforcesPerToolWindow(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	limit := ratelimit.Limit{Limit: 2, Window: time.Minute}
	handler := RateLimit(limiter, "verify", limit, testLogger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	tool := &tools.Tool{ID: "tool-1", Status: tools.StatusActive}
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), tool))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), tool))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different tool has its own window.
	rec = httptest.NewRecorder()
	other := &tools.Tool{ID: "tool-2", Status: tools.StatusActive}
	handler.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), other))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitScopesAreIndependent(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter()
	limit := ratelimit.Limit{Limit: 1, Window: time.Minute}
	verify := RateLimit(limiter, "verify", limit, testLogger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))
	consume := RateLimit(limiter, "consume", limit, testLogger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	tool := &tools.Tool{ID: "tool-1", Status: tools.StatusActive}

	rec := httptest.NewRecorder()
	verify.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), tool))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	verify.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), tool))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Exhausting verify does not touch the consume window.
	rec = httptest.NewRecorder()
	consume.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/credits/consume", nil), tool))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitFailsOpenOnLimiterError(t *testing.T) {
	handler := RateLimit(failingLimiter{}, "verify", ratelimit.Limit{Limit: 1, Window: time.Minute}, testLogger(), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	tool := &tools.Tool{ID: "tool-1", Status: tools.StatusActive}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, withTool(httptest.NewRequest(http.MethodPost, "/api/v1/verify", nil), tool))
	assert.Equal(t, http.StatusOK, rec.Code)
}
