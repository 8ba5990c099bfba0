package entitlements

import (
	"context"
	"fmt"
	"time"

	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/subscriptions"
)

// Snapshot is a point-in-time view of a user's entitlements on a tool.
// Field names follow the wire format vendors receive on exchange and
// validation responses.
type Snapshot struct {
	OneSubUserID       string           `json:"oneSubUserId"`
	ToolID             string           `json:"toolId"`
	PlanID             string           `json:"planId"`
	PlanName           string           `json:"planName"`
	SubscriptionStatus string           `json:"subscriptionStatus"`
	Active             bool             `json:"active"`
	CurrentPeriodEnd   *time.Time       `json:"currentPeriodEnd,omitempty"`
	CancelAtPeriodEnd  bool             `json:"cancelAtPeriodEnd"`
	Features           []string         `json:"features,omitempty"`
	Limits             map[string]int64 `json:"limits,omitempty"`
	CreditsRemaining   int64            `json:"creditsRemaining"`
	ResolvedAt         time.Time        `json:"resolvedAt"`
}

// SubscriptionSource provides subscription and plan state.
type SubscriptionSource interface {
	GetSubscriptionWithPlan(ctx context.Context, oneSubUserID, toolID string) (*subscriptions.Subscription, *subscriptions.Plan, error)
}

// BalanceSource provides the user's materialized credit balance.
type BalanceSource interface {
	GetBalance(ctx context.Context, oneSubUserID string) (int64, error)
}

// Resolver builds entitlement snapshots, serving from cache when fresh.
type Resolver struct {
	subs    SubscriptionSource
	credits BalanceSource
	cache   *Cache
	metrics *observability.Metrics
}

// NewResolver creates an entitlement resolver. metrics may be nil.
func NewResolver(subs SubscriptionSource, credits BalanceSource, cache *Cache, metrics *observability.Metrics) *Resolver {
	return &Resolver{subs: subs, credits: credits, cache: cache, metrics: metrics}
}

// Resolve returns the user's entitlement snapshot for a tool. Cached
// snapshots may lag storage by up to the cache TTL; revocation and
// subscription checks that must be exact read storage directly instead.
func (r *Resolver) Resolve(ctx context.Context, toolID, oneSubUserID string) (*Snapshot, error) {
	if cached, err := r.cache.Get(ctx, toolID, oneSubUserID); err == nil && cached != nil {
		if r.metrics != nil {
			r.metrics.CacheHitsTotal.Inc()
		}
		return cached, nil
	}
	if r.metrics != nil {
		r.metrics.CacheMissesTotal.Inc()
	}

	snapshot, err := r.resolveFresh(ctx, toolID, oneSubUserID)
	if err != nil {
		return nil, err
	}

	// Best effort; a failed cache write only costs the next request a
	// storage round trip.
	_ = r.cache.Set(ctx, snapshot)

	return snapshot, nil
}

// ResolveFresh bypasses the cache, resolves from storage, and refreshes the
// cached copy.
func (r *Resolver) ResolveFresh(ctx context.Context, toolID, oneSubUserID string) (*Snapshot, error) {
	snapshot, err := r.resolveFresh(ctx, toolID, oneSubUserID)
	if err != nil {
		return nil, err
	}
	_ = r.cache.Set(ctx, snapshot)
	return snapshot, nil
}

func (r *Resolver) resolveFresh(ctx context.Context, toolID, oneSubUserID string) (*Snapshot, error) {
	sub, plan, err := r.subs.GetSubscriptionWithPlan(ctx, oneSubUserID, toolID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription: %w", err)
	}

	balance, err := r.credits.GetBalance(ctx, oneSubUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve credit balance: %w", err)
	}

	return &Snapshot{
		OneSubUserID:       oneSubUserID,
		ToolID:             toolID,
		PlanID:             plan.ID,
		PlanName:           plan.Name,
		SubscriptionStatus: string(sub.Status),
		Active:             sub.Grants(),
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
		Features:           plan.Config.Features,
		Limits:             plan.Config.Limits,
		CreditsRemaining:   balance,
		ResolvedAt:         time.Now().UTC(),
	}, nil
}
