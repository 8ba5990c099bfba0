package authorize

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesub/vendorauth/pkg/auth"
	"github.com/onesub/vendorauth/pkg/entitlements"
	"github.com/onesub/vendorauth/pkg/subscriptions"
	"github.com/onesub/vendorauth/pkg/tokens"
	"github.com/onesub/vendorauth/pkg/tools"
)

type fakeSubWithPlan struct {
	sub  *subscriptions.Subscription
	plan *subscriptions.Plan
	err  error
}

func (f *fakeSubWithPlan) GetSubscriptionWithPlan(ctx context.Context, oneSubUserID, toolID string) (*subscriptions.Subscription, *subscriptions.Plan, error) {
	return f.sub, f.plan, f.err
}

type fakeBalance struct {
	balance int64
}

func (f *fakeBalance) GetBalance(ctx context.Context, oneSubUserID string) (int64, error) {
	return f.balance, nil
}

type fakeNotifier struct {
	events []string
}

func (f *fakeNotifier) Enqueue(ctx context.Context, toolID, eventType string, payload interface{}) {
	f.events = append(f.events, eventType)
}

type exchangerFixture struct {
	exchanger *Exchanger
	mock      sqlmock.Sqlmock
	notifier  *fakeNotifier
	tool      *tools.Tool
}

func newExchangerFixture(t *testing.T) *exchangerFixture {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	resolver := entitlements.NewResolver(
		&fakeSubWithPlan{
			sub: &subscriptions.Subscription{
				ID: "sub-1", OneSubUserID: "user-1", ToolID: "tool-1",
				PlanID: "plan-1", Status: subscriptions.StatusActive,
			},
			plan: &subscriptions.Plan{ID: "plan-1", ToolID: "tool-1", Name: "pro"},
		},
		&fakeBalance{balance: 42},
		entitlements.NewCache(redisClient, time.Minute),
		nil,
	)

	tokenService := tokens.NewService(db, &fakeRevocations{}, 30*24*time.Hour, 2*time.Hour)

	f := &exchangerFixture{
		mock:     mock,
		notifier: &fakeNotifier{},
		tool: &tools.Tool{
			ID:          "tool-1",
			Name:        "Summarizer",
			Status:      tools.StatusActive,
			RedirectURI: "https://summarizer.example/callback",
		},
	}
	f.exchanger = NewExchanger(db, tokenService, resolver, f.notifier, nil)
	return f
}

func TestExchangeSuccess(t *testing.T) {
	f := newExchangerFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE authorization_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id"}).AddRow("code-1", "user-1"))
	f.mock.ExpectQuery("SELECT status FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(subscriptions.StatusActive))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec("INSERT INTO grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("INSERT INTO verification_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	f.mock.ExpectCommit()

	result, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", "https://summarizer.example/callback")
	require.NoError(t, err)

	assert.Contains(t, result.VerificationToken, auth.VerificationTokenPrefix)
	assert.Equal(t, "user-1", result.Token.OneSubUserID)
	assert.Equal(t, int64(42), result.Snapshot.CreditsRemaining)
	assert.Equal(t, []string{"authorization.granted"}, f.notifier.events)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExchangeTrialingSubscriptionSucceeds(t *testing.T) {
	f := newExchangerFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE authorization_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id"}).AddRow("code-1", "user-1"))
	f.mock.ExpectQuery("SELECT status FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(subscriptions.StatusTrialing))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	f.mock.ExpectExec("INSERT INTO grants").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery("INSERT INTO verification_tokens").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(time.Now()))
	f.mock.ExpectCommit()

	result, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
	require.NoError(t, err)

	assert.Equal(t, "user-1", result.Token.OneSubUserID)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExchangeInactiveTool(t *testing.T) {
	f := newExchangerFixture(t)
	f.tool.Status = tools.StatusSuspended

	_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
	assert.ErrorIs(t, err, ErrToolNotActive)
}

func TestExchangeCancelledSubscriptionLeavesCodeUnconsumed(t *testing.T) {
	f := newExchangerFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE authorization_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id"}).AddRow("code-1", "user-1"))
	f.mock.ExpectQuery("SELECT status FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(subscriptions.StatusCancelled))
	f.mock.ExpectRollback()

	_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
	assert.ErrorIs(t, err, ErrSubscriptionInactive)
	assert.Empty(t, f.notifier.events)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExchangeRevokedRollsBack(t *testing.T) {
	f := newExchangerFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE authorization_codes").
		WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id"}).AddRow("code-1", "user-1"))
	f.mock.ExpectQuery("SELECT status FROM subscriptions").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(subscriptions.StatusActive))
	f.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	f.mock.ExpectRollback()

	_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
	assert.ErrorIs(t, err, ErrAccessRevoked)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestExchangeClassifiesFailedConsume(t *testing.T) {
	expectFailedConsume := func(f *exchangerFixture, row *sqlmock.Rows) {
		f.mock.ExpectBegin()
		f.mock.ExpectQuery("UPDATE authorization_codes").
			WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id"}))
		f.mock.ExpectQuery("SELECT consumed_at, expires_at, redirect_uri").
			WillReturnRows(row)
		f.mock.ExpectRollback()
	}

	t.Run("unknown code", func(t *testing.T) {
		f := newExchangerFixture(t)
		expectFailedConsume(f, sqlmock.NewRows([]string{"consumed_at", "expires_at", "redirect_uri"}))

		_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_bogus", f.tool.RedirectURI)
		assert.ErrorIs(t, err, ErrCodeInvalid)
	})

	t.Run("already consumed", func(t *testing.T) {
		f := newExchangerFixture(t)
		expectFailedConsume(f, sqlmock.NewRows([]string{"consumed_at", "expires_at", "redirect_uri"}).
			AddRow(time.Now().Add(-time.Second), time.Now().Add(time.Minute), f.tool.RedirectURI))

		_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
		assert.ErrorIs(t, err, ErrCodeConsumed)
	})

	t.Run("expired", func(t *testing.T) {
		f := newExchangerFixture(t)
		expectFailedConsume(f, sqlmock.NewRows([]string{"consumed_at", "expires_at", "redirect_uri"}).
			AddRow(nil, time.Now().Add(-time.Minute), f.tool.RedirectURI))

		_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", f.tool.RedirectURI)
		assert.ErrorIs(t, err, ErrCodeExpired)
	})

	t.Run("redirect mismatch leaves code live", func(t *testing.T) {
		f := newExchangerFixture(t)
		expectFailedConsume(f, sqlmock.NewRows([]string{"consumed_at", "expires_at", "redirect_uri"}).
			AddRow(nil, time.Now().Add(time.Minute), f.tool.RedirectURI))

		_, err := f.exchanger.Exchange(context.Background(), f.tool, "1sub_ac_abc", "https://evil.example/callback")
		assert.ErrorIs(t, err, ErrRedirectMismatch)
	})
}
