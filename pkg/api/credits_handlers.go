package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/credits"
	"github.com/onesub/vendorauth/pkg/httputil"
	"github.com/onesub/vendorauth/pkg/middleware"
)

// consumeCredits handles POST /api/v1/credits/consume.
func (s *Server) consumeCredits(w http.ResponseWriter, r *http.Request) {
	tool := middleware.ToolFrom(r.Context())

	var req ConsumeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.OneSubUserID, "oneSubUserId") {
		return
	}
	if !httputil.RequirePositive(w, req.Amount, "amount") {
		return
	}
	if s.cfg.MaxConsumeAmount > 0 && req.Amount > s.cfg.MaxConsumeAmount {
		httputil.WriteValidationError(w, fmt.Sprintf("amount cannot exceed %d", s.cfg.MaxConsumeAmount))
		return
	}

	result, err := s.ledger.Consume(r.Context(), req.OneSubUserID, tool.ID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		var insufficient *credits.InsufficientCreditsError
		switch {
		case errors.As(err, &insufficient):
			if s.metrics != nil {
				s.metrics.CreditTransactionsTotal.WithLabelValues("debit", "insufficient").Inc()
			}
			httputil.WriteDetailedError(w, http.StatusPaymentRequired, httputil.CodeInsufficientCredits,
				"insufficient credits", map[string]any{
					"balance":  insufficient.Balance,
					"required": insufficient.Required,
				})
		case errors.Is(err, credits.ErrInvalidAmount):
			httputil.WriteValidationError(w, "amount must be positive")
		default:
			s.requestLogger(r).WithError(err).Error("credit consumption failed")
			httputil.WriteInternalError(w)
		}
		return
	}

	if s.metrics != nil {
		s.metrics.CreditTransactionsTotal.WithLabelValues("debit", "success").Inc()
		if !result.IsDuplicate {
			s.metrics.CreditsConsumedTotal.Add(float64(req.Amount))
		}
	}
	if !result.IsDuplicate {
		// Evict cached snapshots so the next verify reflects the new
		// balance instead of serving a stale creditsRemaining.
		if s.cache != nil {
			if err := s.cache.InvalidateAllForUser(r.Context(), req.OneSubUserID); err != nil {
				s.requestLogger(r).WithError(err).Warn("snapshot invalidation failed")
			}
		}
		s.recordAudit(r, &audit.Event{
			EventType:    audit.EventCreditsConsumed,
			Status:       audit.StatusSuccess,
			OneSubUserID: req.OneSubUserID,
			ToolID:       tool.ID,
			ResourceType: "transaction",
			ResourceID:   result.Transaction.ID,
			Metadata:     map[string]interface{}{"amount": req.Amount, "reason": req.Reason},
		})
	}

	httputil.WriteSuccess(w, ConsumeResponse{
		Success:       true,
		NewBalance:    result.Transaction.BalanceAfter,
		TransactionID: result.Transaction.ID,
		IsDuplicate:   result.IsDuplicate,
	})
}
