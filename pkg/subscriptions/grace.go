package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/onesub/vendorauth/pkg/audit"
	"github.com/onesub/vendorauth/pkg/observability"
)

// AccessRevoker records a revocation and kills live tokens for a pair.
type AccessRevoker interface {
	Revoke(ctx context.Context, toolID, oneSubUserID, reason string) (int64, error)
}

// CacheInvalidator drops cached entitlement snapshots.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, toolID, oneSubUserID string) error
}

// GraceEnforcer cancels subscriptions whose grace period has lapsed. The
// transition is one way; a cancelled subscription never returns to past_due.
type GraceEnforcer struct {
	subs        *Service
	revoker     AccessRevoker
	cache       CacheInvalidator
	auditLog    audit.Logger
	logger      *logrus.Logger
	metrics     *observability.Metrics
	gracePeriod time.Duration
}

// NewGraceEnforcer creates a grace enforcer. metrics may be nil.
func NewGraceEnforcer(subs *Service, revoker AccessRevoker, cache CacheInvalidator, auditLog audit.Logger, logger *logrus.Logger, metrics *observability.Metrics, gracePeriod time.Duration) *GraceEnforcer {
	return &GraceEnforcer{
		subs:        subs,
		revoker:     revoker,
		cache:       cache,
		auditLog:    auditLog,
		logger:      logger,
		metrics:     metrics,
		gracePeriod: gracePeriod,
	}
}

// Run cancels every subscription past_due for longer than the grace period,
// revokes its access, and invalidates cached entitlements. One failing
// subscription does not stop the sweep. Returns the number cancelled.
func (e *GraceEnforcer) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-e.gracePeriod)
	lapsed, err := e.subs.ListLapsed(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list lapsed subscriptions: %w", err)
	}

	cancelled := 0
	for _, sub := range lapsed {
		if err := e.enforce(ctx, sub); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"subscription_id": sub.ID,
				"tool_id":         sub.ToolID,
				"one_sub_user_id": sub.OneSubUserID,
			}).Error("failed to enforce grace expiry")
			continue
		}
		cancelled++
	}

	if cancelled > 0 {
		e.logger.WithField("cancelled", cancelled).Info("grace period sweep completed")
	}
	return cancelled, nil
}

func (e *GraceEnforcer) enforce(ctx context.Context, sub *Subscription) error {
	if err := e.subs.Cancel(ctx, sub.ID); err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}

	if _, err := e.revoker.Revoke(ctx, sub.ToolID, sub.OneSubUserID, "grace period expired"); err != nil {
		return fmt.Errorf("failed to revoke access: %w", err)
	}

	// Best effort; stale cache entries expire on their own TTL.
	if err := e.cache.Invalidate(ctx, sub.ToolID, sub.OneSubUserID); err != nil {
		e.logger.WithError(err).WithField("subscription_id", sub.ID).
			Warn("failed to invalidate entitlement cache")
	}

	if err := e.auditLog.Log(ctx, &audit.Event{
		EventType:    audit.EventGraceCancelled,
		OneSubUserID: sub.OneSubUserID,
		ToolID:       sub.ToolID,
		ResourceType: "subscription",
		ResourceID:   sub.ID,
		Message:      "subscription cancelled after grace period expiry",
	}); err != nil {
		e.logger.WithError(err).WithField("subscription_id", sub.ID).
			Warn("failed to write audit log")
	}

	if e.metrics != nil {
		e.metrics.GraceTransitionsTotal.Inc()
	}
	return nil
}
