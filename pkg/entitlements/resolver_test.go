package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesub/vendorauth/pkg/subscriptions"
)

type fakeSubscriptionSource struct {
	sub   *subscriptions.Subscription
	plan  *subscriptions.Plan
	err   error
	calls int
}

func (f *fakeSubscriptionSource) GetSubscriptionWithPlan(ctx context.Context, oneSubUserID, toolID string) (*subscriptions.Subscription, *subscriptions.Plan, error) {
	f.calls++
	return f.sub, f.plan, f.err
}

type fakeBalanceSource struct {
	balance int64
	err     error
}

func (f *fakeBalanceSource) GetBalance(ctx context.Context, oneSubUserID string) (int64, error) {
	return f.balance, f.err
}

func newTestResolver(t *testing.T) (*Resolver, *fakeSubscriptionSource, *fakeBalanceSource, *Cache) {
	t.Helper()
	cache, _ := setupCache(t)

	subs := &fakeSubscriptionSource{
		sub: &subscriptions.Subscription{
			ID:           "sub-1",
			OneSubUserID: "user-1",
			ToolID:       "tool-1",
			PlanID:       "plan-1",
			Status:       subscriptions.StatusActive,
		},
		plan: &subscriptions.Plan{
			ID:     "plan-1",
			ToolID: "tool-1",
			Name:   "pro",
			Config: subscriptions.PlanConfig{
				Features: []string{"summaries"},
				Limits:   map[string]int64{"requests_per_day": 1000},
			},
		},
	}
	credits := &fakeBalanceSource{balance: 42}
	return NewResolver(subs, credits, cache, nil), subs, credits, cache
}

func TestResolveBuildsSnapshot(t *testing.T) {
	resolver, _, _, _ := newTestResolver(t)

	snapshot, err := resolver.Resolve(context.Background(), "tool-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, "user-1", snapshot.OneSubUserID)
	assert.Equal(t, "pro", snapshot.PlanName)
	assert.Equal(t, "active", snapshot.SubscriptionStatus)
	assert.Equal(t, int64(42), snapshot.CreditsRemaining)
	assert.Equal(t, []string{"summaries"}, snapshot.Features)
	assert.False(t, snapshot.ResolvedAt.IsZero())
}

func TestResolveServesFromCache(t *testing.T) {
	resolver, subs, _, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)
	_, err = resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, 1, subs.calls, "second resolve must hit the cache")
}

func TestResolveFreshBypassesCache(t *testing.T) {
	resolver, subs, credits, _ := newTestResolver(t)
	ctx := context.Background()

	_, err := resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)

	credits.balance = 10
	snapshot, err := resolver.ResolveFresh(ctx, "tool-1", "user-1")
	require.NoError(t, err)

	assert.Equal(t, int64(10), snapshot.CreditsRemaining)
	assert.Equal(t, 2, subs.calls)

	// The refreshed snapshot replaces the cached copy.
	cached, err := resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), cached.CreditsRemaining)
}

func TestResolveBuildsSnapshotStanding(t *testing.T) {
	resolver, subs, _, _ := newTestResolver(t)
	periodEnd := time.Now().Add(30 * 24 * time.Hour).UTC()
	subs.sub.CurrentPeriodEnd = &periodEnd
	subs.sub.CancelAtPeriodEnd = true

	snapshot, err := resolver.Resolve(context.Background(), "tool-1", "user-1")
	require.NoError(t, err)

	assert.True(t, snapshot.Active)
	require.NotNil(t, snapshot.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *snapshot.CurrentPeriodEnd)
	assert.True(t, snapshot.CancelAtPeriodEnd)

	subs.sub.Status = subscriptions.StatusCancelled
	stale, err := resolver.ResolveFresh(context.Background(), "tool-1", "user-1")
	require.NoError(t, err)
	assert.False(t, stale.Active)
}

func TestResolveReflectsBalanceAfterInvalidation(t *testing.T) {
	resolver, _, credits, cache := newTestResolver(t)
	ctx := context.Background()

	snapshot, err := resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), snapshot.CreditsRemaining)

	// A consume drops the balance and evicts the user's snapshots.
	credits.balance = 40
	require.NoError(t, cache.InvalidateAllForUser(ctx, "user-1"))

	snapshot, err = resolver.Resolve(ctx, "tool-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), snapshot.CreditsRemaining)
}

func TestResolvePropagatesSubscriptionError(t *testing.T) {
	resolver, subs, _, _ := newTestResolver(t)
	subs.err = subscriptions.ErrNotFound
	subs.sub, subs.plan = nil, nil

	_, err := resolver.Resolve(context.Background(), "tool-1", "user-1")
	assert.ErrorIs(t, err, subscriptions.ErrNotFound)
}
