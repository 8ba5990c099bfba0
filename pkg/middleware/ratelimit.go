package middleware

import (
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/ratelimit"
)

// RateLimit enforces a per-tool limit for the named scope. Keys are
// "tool:<id>:<scope>" so each endpoint family has its own window. When
// the limiter itself fails the request is allowed through; losing rate
// limiting briefly is better than refusing all traffic.
func RateLimit(limiter ratelimit.Limiter, scope string, limit ratelimit.Limit, logger *logrus.Logger, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tool := ToolFrom(r.Context())
			if tool == nil {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Check(r.Context(), fmt.Sprintf("tool:%s:%s", tool.ID, scope), limit)
			if err != nil {
				logger.WithError(err).WithField("scope", scope).
					Warn("rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}

			if !result.Allowed {
				if metrics != nil {
					metrics.RateLimitRejectionsTotal.WithLabelValues(scope).Inc()
				}
				httputil.WriteRateLimited(w, result.Limit, result.ResetAt, result.RetryAfter)
				return
			}

			httputil.RateLimitHeaders(w, result.Limit, result.Remaining, result.ResetAt)
			next.ServeHTTP(w, r)
		})
	}
}
