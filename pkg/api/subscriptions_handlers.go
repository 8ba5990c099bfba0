package api

import (
	"errors"
	"net/http"

	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/middleware"
	"github.com/onesub/vendorauth/pkg/subscriptions"
)

// verifySubscription handles POST /api/v1/tools/subscriptions/verify:
// a vendor-side lookup of whether an identified user has a granting
// subscription to the calling tool.
func (s *Server) verifySubscription(w http.ResponseWriter, r *http.Request) {
	tool := middleware.ToolFrom(r.Context())

	var req SubscriptionVerifyRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if identifierCount(req) != 1 {
		httputil.WriteValidationError(w, "exactly one of oneSubUserId, toolUserId, emailSha256 is required")
		return
	}

	sub, err := s.subs.VerifyIdentifier(r.Context(), tool.ID, req.OneSubUserID, req.ToolUserID, req.EmailSHA256)
	if errors.Is(err, subscriptions.ErrNotFound) {
		httputil.WriteSuccess(w, SubscriptionVerifyResponse{Subscribed: false})
		return
	}
	if err != nil {
		s.requestLogger(r).WithError(err).Error("subscription lookup failed")
		httputil.WriteInternalError(w)
		return
	}
	if !sub.Grants() {
		httputil.WriteSuccess(w, SubscriptionVerifyResponse{Subscribed: false})
		return
	}

	snapshot, err := s.resolver.Resolve(r.Context(), tool.ID, sub.OneSubUserID)
	if err != nil {
		s.requestLogger(r).WithError(err).Error("entitlement resolution failed")
		httputil.WriteInternalError(w)
		return
	}

	httputil.WriteSuccess(w, SubscriptionVerifyResponse{
		Subscribed:   true,
		OneSubUserID: sub.OneSubUserID,
		Entitlements: snapshot,
	})
}

func identifierCount(req SubscriptionVerifyRequest) int {
	count := 0
	for _, id := range []string{req.OneSubUserID, req.ToolUserID, req.EmailSHA256} {
		if id != "" {
			count++
		}
	}
	return count
}
