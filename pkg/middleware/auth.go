// Package middleware provides the authentication and rate-limit layers
// wrapped around the vendor API handlers.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/onesub/vendorauth/pkg/auth"
	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/tools"
)

type contextKey string

const (
	toolKey    contextKey = "authenticated_tool"
	sessionKey contextKey = "user_session"
)

// ToolFrom returns the tool authenticated by APIKeyAuth, or nil.
func ToolFrom(ctx context.Context) *tools.Tool {
	tool, _ := ctx.Value(toolKey).(*tools.Tool)
	return tool
}

// SessionFrom returns the session authenticated by SessionAuth, or nil.
func SessionFrom(ctx context.Context) *auth.Session {
	session, _ := ctx.Value(sessionKey).(*auth.Session)
	return session
}

// ToolResolver resolves an API key to its tool.
type ToolResolver interface {
	GetToolByAPIKey(ctx context.Context, apiKey string) (*tools.Tool, error)
}

// SessionValidator resolves a session token to its session.
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*auth.Session, error)
}

// APIKeyAuth authenticates vendor requests by bearer API key and places
// the tool on the request context. Suspended and retired tools are
// rejected here so no handler sees an inactive tool.
func APIKeyAuth(resolver ToolResolver, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := httputil.BearerToken(r)
			if key == "" {
				httputil.WriteUnauthorized(w, "missing API key")
				return
			}
			if err := auth.ValidateFormat(key, auth.APIKeyPrefix); err != nil {
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}

			tool, err := resolver.GetToolByAPIKey(r.Context(), key)
			if errors.Is(err, tools.ErrNotFound) {
				httputil.WriteUnauthorized(w, "invalid API key")
				return
			}
			if err != nil {
				logger.WithError(err).Error("failed to resolve API key")
				httputil.WriteInternalError(w)
				return
			}
			if !tool.Active() {
				httputil.WriteForbidden(w, httputil.CodeToolNotActive, "tool is not active")
				return
			}

			ctx := context.WithValue(r.Context(), toolKey, tool)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionAuth authenticates platform users by bearer session token and
// places the session on the request context.
func SessionAuth(validator SessionValidator, logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := httputil.BearerToken(r)
			if token == "" {
				httputil.WriteUnauthorized(w, "missing session token")
				return
			}

			session, err := validator.ValidateSession(r.Context(), token)
			if errors.Is(err, auth.ErrSessionNotFound) {
				httputil.WriteUnauthorized(w, "session expired or revoked")
				return
			}
			if err != nil {
				logger.WithError(err).Error("failed to validate session")
				httputil.WriteInternalError(w)
				return
			}

			ctx := context.WithValue(r.Context(), sessionKey, session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
