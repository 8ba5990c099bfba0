package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization flow metrics
	CodesIssuedTotal  prometheus.Counter
	ExchangesTotal    *prometheus.CounterVec
	ValidationsTotal  *prometheus.CounterVec
	RotationsTotal    *prometheus.CounterVec
	RevocationsTotal  prometheus.Counter

	// Credit ledger metrics
	CreditTransactionsTotal *prometheus.CounterVec
	CreditsConsumedTotal    prometheus.Counter

	// Rate limiter metrics
	RateLimitRejectionsTotal *prometheus.CounterVec

	// Entitlement cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// Webhook metrics
	WebhookDeliveriesTotal   *prometheus.CounterVec
	WebhookDeliveryDuration  prometheus.Histogram

	// Grace enforcement metrics
	GraceTransitionsTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "onesub_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		CodesIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_authorization_codes_issued_total",
				Help: "Total number of authorization codes issued",
			},
		),
		ExchangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_code_exchanges_total",
				Help: "Total number of authorization code exchanges by result",
			},
			[]string{"result"},
		),
		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_token_validations_total",
				Help: "Total number of verification token validations by result",
			},
			[]string{"result"},
		),
		RotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_token_rotations_total",
				Help: "Total number of verification token rotations by result",
			},
			[]string{"result"},
		),
		RevocationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_revocations_total",
				Help: "Total number of access revocations recorded",
			},
		),
		CreditTransactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_credit_transactions_total",
				Help: "Total number of credit ledger transactions by type and result",
			},
			[]string{"type", "result"},
		),
		CreditsConsumedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_credits_consumed_total",
				Help: "Total credits debited across all users",
			},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
			[]string{"scope"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_entitlement_cache_hits_total",
				Help: "Total number of entitlement cache hits",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_entitlement_cache_misses_total",
				Help: "Total number of entitlement cache misses",
			},
		),
		WebhookDeliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onesub_webhook_deliveries_total",
				Help: "Total number of webhook delivery attempts by result",
			},
			[]string{"result"},
		),
		WebhookDeliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "onesub_webhook_delivery_duration_seconds",
				Help:    "Webhook delivery duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		GraceTransitionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "onesub_grace_period_transitions_total",
				Help: "Total number of subscriptions cancelled after grace expiry",
			},
		),
		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onesub_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "onesub_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CodesIssuedTotal,
		m.ExchangesTotal,
		m.ValidationsTotal,
		m.RotationsTotal,
		m.RevocationsTotal,
		m.CreditTransactionsTotal,
		m.CreditsConsumedTotal,
		m.RateLimitRejectionsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.WebhookDeliveriesTotal,
		m.WebhookDeliveryDuration,
		m.GraceTransitionsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware records request counts and latencies. The route
// template should be used as the path label to bound cardinality; callers
// wrap mux routes so r.URL.Path here is already the matched template.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := r.URL.Path
			if pathLabel != nil {
				if p := pathLabel(r); p != "" {
					path = p
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// CollectDBStats copies sql.DB pool statistics into gauges. Call it
// periodically from the serving loop.
func (m *Metrics) CollectDBStats(db *sql.DB) {
	stats := db.Stats()
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
}

// RegisterMetricsEndpoint mounts the Prometheus scrape handler.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
