package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewService(db, nil), mock
}

func newCachedService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeInvalidator) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	invalidator := &fakeInvalidator{}
	return NewService(db, invalidator), mock, invalidator
}

func TestCreatePlan(t *testing.T) {
	svc, mock, invalidator := newCachedService(t)

	mock.ExpectQuery("INSERT INTO plans").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))

	plan, err := svc.CreatePlan(context.Background(), "tool-1", "pro", PlanConfig{
		Features: []string{"summaries"},
		Limits:   map[string]int64{"requests_per_day": 1000},
	}, 500)
	require.NoError(t, err)

	assert.NotEmpty(t, plan.ID)
	assert.Equal(t, int64(500), plan.MonthlyCredits)
	assert.Equal(t, []string{"tool-1"}, invalidator.toolCalls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscribeInvalidatesSnapshot(t *testing.T) {
	svc, mock, invalidator := newCachedService(t)

	now := time.Now()
	periodEnd := now.AddDate(0, 1, 0)
	mock.ExpectQuery("INSERT INTO subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "current_period_end", "created_at", "updated_at"}).
			AddRow("sub-1", periodEnd, now, now))

	sub, err := svc.Subscribe(context.Background(), "user-1", "tool-1", "plan-1", periodEnd)
	require.NoError(t, err)

	assert.Equal(t, "sub-1", sub.ID)
	assert.Equal(t, []string{"tool-1/user-1"}, invalidator.calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubscriptionWithPlan(t *testing.T) {
	svc, mock := newMockService(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "one_sub_user_id", "tool_id", "plan_id", "status", "past_due_since",
		"current_period_end", "cancel_at_period_end", "tool_user_id", "email_sha256",
		"created_at", "updated_at",
		"p_id", "p_tool_id", "p_name", "p_config", "p_monthly_credits", "p_created_at",
	}).AddRow(
		"sub-1", "user-1", "tool-1", "plan-1", StatusActive, nil,
		now.AddDate(0, 1, 0), false, "", "", now, now,
		"plan-1", "tool-1", "pro", []byte(`{"features":["summaries"],"limits":{"requests_per_day":1000}}`), int64(500), now,
	)

	mock.ExpectQuery("SELECT .+ FROM subscriptions s").
		WithArgs("user-1", "tool-1").
		WillReturnRows(rows)

	sub, plan, err := svc.GetSubscriptionWithPlan(context.Background(), "user-1", "tool-1")
	require.NoError(t, err)

	assert.Equal(t, StatusActive, sub.Status)
	assert.True(t, sub.Grants())
	assert.Equal(t, "pro", plan.Name)
	assert.Equal(t, []string{"summaries"}, plan.Config.Features)
	assert.Equal(t, int64(1000), plan.Config.Limits["requests_per_day"])
}

func TestGetSubscriptionNotFound(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectQuery("SELECT .+ FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.GetSubscription(context.Background(), "user-1", "tool-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyIdentifierSelectsColumn(t *testing.T) {
	now := time.Now()
	subRows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "one_sub_user_id", "tool_id", "plan_id", "status", "past_due_since",
			"current_period_end", "cancel_at_period_end", "tool_user_id", "email_sha256",
			"created_at", "updated_at",
		}).AddRow("sub-1", "user-1", "tool-1", "plan-1", StatusActive, nil, nil, false, "acct-9", "abc123", now, now)
	}

	t.Run("by oneSubUserId", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectQuery("one_sub_user_id = \\$2").
			WithArgs("tool-1", "user-1").
			WillReturnRows(subRows())

		sub, err := svc.VerifyIdentifier(context.Background(), "tool-1", "user-1", "", "")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", sub.ID)
	})

	t.Run("by toolUserId", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectQuery("tool_user_id = \\$2").
			WithArgs("tool-1", "acct-9").
			WillReturnRows(subRows())

		sub, err := svc.VerifyIdentifier(context.Background(), "tool-1", "", "acct-9", "")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", sub.ID)
	})

	t.Run("by email hash", func(t *testing.T) {
		svc, mock := newMockService(t)
		mock.ExpectQuery("email_sha256 = \\$2").
			WithArgs("tool-1", "abc123").
			WillReturnRows(subRows())

		sub, err := svc.VerifyIdentifier(context.Background(), "tool-1", "", "", "abc123")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", sub.ID)
	})

	t.Run("no identifier", func(t *testing.T) {
		svc, _ := newMockService(t)
		_, err := svc.VerifyIdentifier(context.Background(), "tool-1", "", "", "")
		assert.Error(t, err)
	})
}

func TestMarkPastDueOnlyFromActive(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(StatusPastDue, "sub-1", StatusActive).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.MarkPastDue(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkActiveOnlyFromPastDue(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs(StatusActive, "sub-1", StatusPastDue).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.MarkActive(context.Background(), "sub-1"))
}

func TestLinkAccount(t *testing.T) {
	svc, mock := newMockService(t)

	mock.ExpectExec("UPDATE subscriptions").
		WithArgs("acct-9", "abc123", "user-1", "tool-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.LinkAccount(context.Background(), "user-1", "tool-1", "acct-9", "abc123"))
}

func TestSetCancelAtPeriodEnd(t *testing.T) {
	t.Run("flags and invalidates", func(t *testing.T) {
		svc, mock, invalidator := newCachedService(t)

		mock.ExpectQuery("UPDATE subscriptions").
			WithArgs(true, "sub-1", StatusCancelled).
			WillReturnRows(sqlmock.NewRows([]string{"tool_id", "one_sub_user_id"}).
				AddRow("tool-1", "user-1"))

		require.NoError(t, svc.SetCancelAtPeriodEnd(context.Background(), "sub-1", true))
		assert.Equal(t, []string{"tool-1/user-1"}, invalidator.calls)
	})

	t.Run("cancelled subscriptions cannot be flagged", func(t *testing.T) {
		svc, mock := newMockService(t)

		mock.ExpectQuery("UPDATE subscriptions").
			WithArgs(true, "sub-1", StatusCancelled).
			WillReturnRows(sqlmock.NewRows([]string{"tool_id", "one_sub_user_id"}))

		err := svc.SetCancelAtPeriodEnd(context.Background(), "sub-1", true)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSubscriptionGrants(t *testing.T) {
	assert.True(t, (&Subscription{Status: StatusActive}).Grants())
	assert.True(t, (&Subscription{Status: StatusTrialing}).Grants())
	assert.True(t, (&Subscription{Status: StatusPastDue}).Grants())
	assert.False(t, (&Subscription{Status: StatusCancelled}).Grants())
}
