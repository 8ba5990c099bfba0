package api

import (
	"errors"
	"net/http"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/authorize"
	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/middleware"
)

// initiateAuthorization handles POST /api/v1/authorize/initiate.
func (s *Server) initiateAuthorization(w http.ResponseWriter, r *http.Request) {
	session := middleware.SessionFrom(r.Context())
	if session == nil {
		httputil.WriteUnauthorized(w, "session required")
		return
	}

	var req InitiateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.ToolID, "toolId") {
		return
	}

	issued, err := s.issuer.IssueCode(r.Context(), session.OneSubUserID, req.ToolID, req.RedirectURI, req.State)
	if errors.Is(err, authorize.ErrRedirectMismatch) {
		// No code exists yet at issuance, so a mismatch here is a plain
		// request validation failure rather than a failed exchange.
		httputil.WriteValidationError(w, "redirectUri does not match the tool's registered redirect URI")
		return
	}
	if err != nil {
		s.writeAuthorizeError(w, r, err)
		return
	}

	s.recordAudit(r, &audit.Event{
		EventType:    audit.EventCodeIssued,
		Status:       audit.StatusSuccess,
		OneSubUserID: session.OneSubUserID,
		ToolID:       req.ToolID,
	})

	httputil.WriteSuccess(w, InitiateResponse{
		AuthorizationURL: issued.AuthorizationURL,
		Code:             issued.Code,
		State:            issued.State,
		ExpiresAt:        issued.ExpiresAt,
	})
}

// exchangeCode handles POST /api/v1/authorize/exchange.
func (s *Server) exchangeCode(w http.ResponseWriter, r *http.Request) {
	tool := middleware.ToolFrom(r.Context())

	var req ExchangeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Code, "code") {
		return
	}
	redirectURI := req.RedirectURI
	if redirectURI == "" {
		redirectURI = tool.RedirectURI
	}

	result, err := s.exchange.Exchange(r.Context(), tool, req.Code, redirectURI)
	if err != nil {
		s.writeAuthorizeError(w, r, err)
		return
	}

	s.recordAudit(r, &audit.Event{
		EventType:    audit.EventCodeExchanged,
		Status:       audit.StatusSuccess,
		OneSubUserID: result.Token.OneSubUserID,
		ToolID:       tool.ID,
		ResourceType: "grant",
		ResourceID:   result.Token.GrantID,
	})

	httputil.WriteSuccess(w, ExchangeResponse{
		GrantID:           result.Token.GrantID,
		OneSubUserID:      result.Token.OneSubUserID,
		VerificationToken: result.VerificationToken,
		ExpiresAt:         result.Token.ExpiresAt,
		Entitlements:      result.Snapshot,
	})
}

// writeAuthorizeError maps issuance and exchange failures to their
// wire-stable codes. Code-level failures share EXCHANGE_FAILED so vendors
// cannot probe which codes exist.
func (s *Server) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authorize.ErrToolNotFound):
		httputil.WriteNotFound(w, httputil.CodeToolNotFound, "tool not found")
	case errors.Is(err, authorize.ErrToolNotActive):
		httputil.WriteForbidden(w, httputil.CodeToolNotActive, "tool is not active")
	case errors.Is(err, authorize.ErrRedirectNotConfigured):
		httputil.WriteAPIError(w, http.StatusBadRequest, httputil.CodeRedirectNotConfigured, "tool has no redirect URI configured")
	case errors.Is(err, authorize.ErrNoSubscription):
		httputil.WritePaymentRequired(w, httputil.CodeNoSubscription, "no subscription to this tool")
	case errors.Is(err, authorize.ErrSubscriptionInactive):
		httputil.WritePaymentRequired(w, httputil.CodeSubscriptionInactive, "subscription is not active")
	case errors.Is(err, authorize.ErrAccessRevoked):
		httputil.WriteForbidden(w, httputil.CodeAccessRevoked, "access has been revoked")
	case errors.Is(err, authorize.ErrCodeInvalid),
		errors.Is(err, authorize.ErrCodeConsumed),
		errors.Is(err, authorize.ErrCodeExpired),
		errors.Is(err, authorize.ErrRedirectMismatch):
		s.requestLogger(r).WithError(err).Info("authorization code rejected")
		httputil.WriteAPIError(w, http.StatusBadRequest, httputil.CodeExchangeFailed, "authorization code could not be exchanged")
	default:
		s.requestLogger(r).WithError(err).Error("authorization operation failed")
		httputil.WriteInternalError(w)
	}
}
