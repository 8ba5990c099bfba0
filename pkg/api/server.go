// Package api exposes the vendor authorization HTTP surface: code
// issuance and exchange, token verification, credit consumption, and
// subscription lookup.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/authorize"
	"github.com/onesub/vendorauth/pkg/credits"
	"github.com/onesub/vendorauth/pkg/entitlements"
	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/middleware"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/ratelimit"
	"github.com/onesub/vendorauth/pkg/subscriptions"
	"github.com/onesub/vendorauth/pkg/tokens"
	"github.com/onesub/vendorauth/pkg/tools"
)

// Vendor caching bounds returned on every positive verification.
const (
	cacheWindow        = 15 * time.Minute
	verificationWindow = 30 * time.Minute
)

// CodeIssuer mints authorization codes.
type CodeIssuer interface {
	IssueCode(ctx context.Context, oneSubUserID, toolID, redirectURI, state string) (*authorize.IssuedCode, error)
}

// CodeExchanger redeems codes for verification tokens.
type CodeExchanger interface {
	Exchange(ctx context.Context, tool *tools.Tool, code, redirectURI string) (*authorize.ExchangeResult, error)
}

// TokenService validates and rotates verification tokens.
type TokenService interface {
	Validate(ctx context.Context, toolID, plaintext string) (*tokens.Validation, error)
	Rotate(ctx context.Context, toolID, plaintext string) (string, *tokens.VerificationToken, error)
}

// CreditLedger debits user balances.
type CreditLedger interface {
	Consume(ctx context.Context, oneSubUserID, toolID string, amount int64, reason, idempotencyKey string) (*credits.ConsumeResult, error)
}

// SubscriptionVerifier looks up subscriptions by identifier.
type SubscriptionVerifier interface {
	VerifyIdentifier(ctx context.Context, toolID, oneSubUserID, toolUserID, emailSHA256 string) (*subscriptions.Subscription, error)
}

// EntitlementResolver produces entitlement snapshots.
type EntitlementResolver interface {
	Resolve(ctx context.Context, toolID, oneSubUserID string) (*entitlements.Snapshot, error)
}

// SnapshotInvalidator evicts cached snapshots after balance mutations so the
// next verification reflects the new balance instead of waiting out the TTL.
type SnapshotInvalidator interface {
	InvalidateAllForUser(ctx context.Context, oneSubUserID string) error
}

// Config holds the server's behavioral knobs.
type Config struct {
	MaxBodyBytes     int64
	MaxConsumeAmount int64

	ExchangeLimit ratelimit.Limit
	VerifyLimit   ratelimit.Limit
	ConsumeLimit  ratelimit.Limit
}

// Server wires the vendor API routes to the domain services.
type Server struct {
	router   *mux.Router
	cfg      Config
	logger   *logrus.Logger
	metrics  *observability.Metrics
	issuer   CodeIssuer
	exchange CodeExchanger
	tokens   TokenService
	ledger   CreditLedger
	subs     SubscriptionVerifier
	resolver EntitlementResolver
	cache    SnapshotInvalidator
	auditLog audit.Logger
}

// Deps bundles the services the server dispatches to.
type Deps struct {
	Issuer    CodeIssuer
	Exchanger CodeExchanger
	Tokens    TokenService
	Ledger    CreditLedger
	Subs      SubscriptionVerifier
	Resolver  EntitlementResolver

	ToolResolver     middleware.ToolResolver
	SessionValidator middleware.SessionValidator
	Limiter          ratelimit.Limiter

	// Cache is optional; when nil consumed credits stay cached until the
	// snapshot TTL expires.
	Cache SnapshotInvalidator

	// Audit is optional; when nil no audit events are recorded.
	Audit audit.Logger
}

// NewServer creates the API server. metrics may be nil.
func NewServer(cfg Config, deps Deps, logger *logrus.Logger, metrics *observability.Metrics) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	s := &Server{
		router:   mux.NewRouter(),
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		issuer:   deps.Issuer,
		exchange: deps.Exchanger,
		tokens:   deps.Tokens,
		ledger:   deps.Ledger,
		subs:     deps.Subs,
		resolver: deps.Resolver,
		cache:    deps.Cache,
		auditLog: deps.Audit,
	}
	s.setupRoutes(deps)
	return s
}

// setupRoutes configures the API routes and their middleware.
func (s *Server) setupRoutes(deps Deps) {
	base := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(s.logger),
		httputil.LoggingMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes),
	)

	sessionAuth := middleware.SessionAuth(deps.SessionValidator, s.logger)
	apiKeyAuth := middleware.APIKeyAuth(deps.ToolResolver, s.logger)
	limited := func(scope string, limit ratelimit.Limit) func(http.Handler) http.Handler {
		return middleware.RateLimit(deps.Limiter, scope, limit, s.logger, s.metrics)
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()

	v1.Handle("/authorize/initiate",
		base(sessionAuth(http.HandlerFunc(s.initiateAuthorization)))).Methods("POST")

	v1.Handle("/authorize/exchange",
		base(apiKeyAuth(limited("exchange", s.cfg.ExchangeLimit)(http.HandlerFunc(s.exchangeCode))))).Methods("POST")

	v1.Handle("/verify",
		base(apiKeyAuth(limited("verify", s.cfg.VerifyLimit)(http.HandlerFunc(s.verifyToken))))).Methods("POST")

	v1.Handle("/credits/consume",
		base(apiKeyAuth(limited("consume", s.cfg.ConsumeLimit)(http.HandlerFunc(s.consumeCredits))))).Methods("POST")

	v1.Handle("/tools/subscriptions/verify",
		base(apiKeyAuth(limited("verify", s.cfg.VerifyLimit)(http.HandlerFunc(s.verifySubscription))))).Methods("POST")
}

// Handler returns the root handler, wrapped with HTTP metrics when
// metrics are configured.
func (s *Server) Handler() http.Handler {
	if s.metrics == nil {
		return s.router
	}
	return observability.HTTPMetricsMiddleware(s.metrics, routePattern)(s.router)
}

// routePattern labels metrics with the mux route template instead of the
// raw path so user IDs and tokens never become label values.
func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

// recordAudit writes an audit event, stamping it with the request ID.
// Audit failures are logged but never fail the request.
func (s *Server) recordAudit(r *http.Request, event *audit.Event) {
	if s.auditLog == nil {
		return
	}
	event.Timestamp = time.Now().UTC()
	event.RequestID = httputil.RequestID(r.Context())
	if err := s.auditLog.Log(r.Context(), event); err != nil {
		s.requestLogger(r).WithError(err).Warn("audit event dropped")
	}
}

// requestLogger returns the server logger annotated with the request ID
// and authenticated tool, when present.
func (s *Server) requestLogger(r *http.Request) *logrus.Entry {
	entry := s.logger.WithField("request_id", httputil.RequestID(r.Context()))
	if tool := middleware.ToolFrom(r.Context()); tool != nil {
		entry = entry.WithField("tool_id", tool.ID)
	}
	if session := middleware.SessionFrom(r.Context()); session != nil {
		entry = entry.WithField("one_sub_user_id", session.OneSubUserID)
	}
	return entry
}
