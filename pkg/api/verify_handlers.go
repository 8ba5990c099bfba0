package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/middleware"
	"github.com/onesub/vendorauth/pkg/tokens"
)

// verifyToken handles POST /api/v1/verify: validate the presented token
// and, unless the caller opted out, rotate it when it is near expiry.
// Vendors on the hot path send "rotate": false to keep the call
// read-only.
func (s *Server) verifyToken(w http.ResponseWriter, r *http.Request) {
	tool := middleware.ToolFrom(r.Context())

	var req VerifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.VerificationToken, "verificationToken") {
		return
	}
	rotate := req.Rotate == nil || *req.Rotate

	validation, err := s.tokens.Validate(r.Context(), tool.ID, req.VerificationToken)
	if err != nil {
		// Validation fails closed; the returned outcome is authoritative
		// even when the underlying check errored.
		s.requestLogger(r).WithError(err).Warn("token validation degraded")
	}
	if s.metrics != nil {
		outcome := "valid"
		if !validation.Valid {
			outcome = validation.Reason
		}
		s.metrics.ValidationsTotal.WithLabelValues(outcome).Inc()
	}

	if !validation.Valid {
		httputil.WriteSuccess(w, VerifyResponse{
			Valid:  false,
			Reason: validation.Reason,
			Action: validation.Action,
		})
		return
	}

	resp := VerifyResponse{
		Valid:         true,
		OneSubUserID:  validation.OneSubUserID,
		GrantID:       validation.GrantID,
		ExpiresAt:     timePtr(validation.ExpiresAt),
		NeedsRotation: validation.NeedsRotation,
	}

	if rotate && validation.NeedsRotation {
		newToken, rotated, err := s.tokens.Rotate(r.Context(), tool.ID, req.VerificationToken)
		switch {
		case err == nil:
			resp.Rotated = true
			resp.VerificationToken = newToken
			resp.ExpiresAt = timePtr(rotated.ExpiresAt)
			resp.NeedsRotation = false
			if s.metrics != nil {
				s.metrics.RotationsTotal.WithLabelValues("success").Inc()
			}
			s.recordAudit(r, &audit.Event{
				EventType:    audit.EventTokenRotated,
				Status:       audit.StatusSuccess,
				OneSubUserID: rotated.OneSubUserID,
				ToolID:       tool.ID,
				ResourceType: "grant",
				ResourceID:   rotated.GrantID,
			})
		case errors.Is(err, tokens.ErrRevoked):
			if s.metrics != nil {
				s.metrics.RotationsTotal.WithLabelValues("revoked").Inc()
			}
			httputil.WriteSuccess(w, VerifyResponse{
				Valid:  false,
				Reason: tokens.ReasonRevoked,
				Action: tokens.ActionTerminateSession,
			})
			return
		case errors.Is(err, tokens.ErrNotFound):
			// Lost a rotation race; the presented token is already dead.
			if s.metrics != nil {
				s.metrics.RotationsTotal.WithLabelValues("lost_race").Inc()
			}
			httputil.WriteSuccess(w, VerifyResponse{
				Valid:  false,
				Reason: tokens.ReasonNotFound,
				Action: tokens.ActionReauthenticate,
			})
			return
		default:
			// Rotation is an optimization; the validated token stays
			// usable, so report the positive result without a new token.
			s.requestLogger(r).WithError(err).Error("token rotation failed")
			if s.metrics != nil {
				s.metrics.RotationsTotal.WithLabelValues("failure").Inc()
			}
		}
	}

	now := time.Now().UTC()
	resp.CacheUntil = timePtr(now.Add(cacheWindow))
	resp.NextVerificationBefore = timePtr(now.Add(verificationWindow))
	httputil.WriteSuccess(w, resp)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
