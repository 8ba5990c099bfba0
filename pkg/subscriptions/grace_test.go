package subscriptions

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onesub/vendorauth/pkg/audit"
)

type fakeRevoker struct {
	calls []string
	err   error
}

func (f *fakeRevoker) Revoke(ctx context.Context, toolID, oneSubUserID, reason string) (int64, error) {
	f.calls = append(f.calls, toolID+"/"+oneSubUserID)
	return 1, f.err
}

type fakeInvalidator struct {
	calls     []string
	toolCalls []string
}

func (f *fakeInvalidator) Invalidate(ctx context.Context, toolID, oneSubUserID string) error {
	f.calls = append(f.calls, toolID+"/"+oneSubUserID)
	return nil
}

func (f *fakeInvalidator) InvalidateAllForTool(ctx context.Context, toolID string) error {
	f.toolCalls = append(f.toolCalls, toolID)
	return nil
}

type fakeAuditLogger struct {
	events []*audit.Event
}

func (f *fakeAuditLogger) Log(ctx context.Context, event *audit.Event) error {
	f.events = append(f.events, event)
	return nil
}

func lapsedRows(subs ...*Subscription) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "one_sub_user_id", "tool_id", "plan_id", "status", "past_due_since",
		"current_period_end", "cancel_at_period_end", "tool_user_id", "email_sha256",
		"created_at", "updated_at",
	})
	for _, sub := range subs {
		rows.AddRow(sub.ID, sub.OneSubUserID, sub.ToolID, sub.PlanID, sub.Status,
			sub.PastDueSince, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
			sub.ToolUserID, sub.EmailSHA256, sub.CreatedAt, sub.UpdatedAt)
	}
	return rows
}

func newGraceFixture(t *testing.T) (*GraceEnforcer, sqlmock.Sqlmock, *fakeRevoker, *fakeInvalidator, *fakeAuditLogger) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	revoker := &fakeRevoker{}
	invalidator := &fakeInvalidator{}
	auditLog := &fakeAuditLogger{}
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	enforcer := NewGraceEnforcer(NewService(db, nil), revoker, invalidator, auditLog, logger, nil, 7*24*time.Hour)
	return enforcer, mock, revoker, invalidator, auditLog
}

func TestGraceEnforcerCancelsLapsed(t *testing.T) {
	enforcer, mock, revoker, invalidator, auditLog := newGraceFixture(t)

	pastDue := time.Now().Add(-8 * 24 * time.Hour)
	sub := &Subscription{
		ID:           "sub-1",
		OneSubUserID: "user-1",
		ToolID:       "tool-1",
		PlanID:       "plan-1",
		Status:       StatusPastDue,
		PastDueSince: &pastDue,
		CreatedAt:    time.Now().Add(-30 * 24 * time.Hour),
		UpdatedAt:    time.Now(),
	}

	mock.ExpectQuery("SELECT .+ FROM subscriptions").
		WillReturnRows(lapsedRows(sub))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := enforcer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cancelled)
	assert.Equal(t, []string{"tool-1/user-1"}, revoker.calls)
	assert.Equal(t, []string{"tool-1/user-1"}, invalidator.calls)
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, audit.EventGraceCancelled, auditLog.events[0].EventType)
	assert.Equal(t, "sub-1", auditLog.events[0].ResourceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGraceEnforcerNothingLapsed(t *testing.T) {
	enforcer, mock, revoker, _, _ := newGraceFixture(t)

	mock.ExpectQuery("SELECT .+ FROM subscriptions").
		WillReturnRows(lapsedRows())

	cancelled, err := enforcer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, cancelled)
	assert.Empty(t, revoker.calls)
}

func TestGraceEnforcerContinuesPastFailures(t *testing.T) {
	enforcer, mock, _, _, auditLog := newGraceFixture(t)

	pastDue := time.Now().Add(-10 * 24 * time.Hour)
	subA := &Subscription{ID: "sub-a", OneSubUserID: "user-a", ToolID: "tool-1", PlanID: "plan-1", Status: StatusPastDue, PastDueSince: &pastDue, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	subB := &Subscription{ID: "sub-b", OneSubUserID: "user-b", ToolID: "tool-1", PlanID: "plan-1", Status: StatusPastDue, PastDueSince: &pastDue, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectQuery("SELECT .+ FROM subscriptions").
		WillReturnRows(lapsedRows(subA, subB))
	// First cancel fails, second succeeds.
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnError(fmt.Errorf("deadlock detected"))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := enforcer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, cancelled)
	require.Len(t, auditLog.events, 1)
	assert.Equal(t, "sub-b", auditLog.events[0].ResourceID)
}

func TestGraceEnforcerRevocationFailureSkipsSubscription(t *testing.T) {
	enforcer, mock, revoker, invalidator, _ := newGraceFixture(t)
	revoker.err = fmt.Errorf("registry unavailable")

	pastDue := time.Now().Add(-8 * 24 * time.Hour)
	sub := &Subscription{ID: "sub-1", OneSubUserID: "user-1", ToolID: "tool-1", PlanID: "plan-1", Status: StatusPastDue, PastDueSince: &pastDue, CreatedAt: time.Now(), UpdatedAt: time.Now()}

	mock.ExpectQuery("SELECT .+ FROM subscriptions").
		WillReturnRows(lapsedRows(sub))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cancelled, err := enforcer.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, cancelled)
	assert.Empty(t, invalidator.calls)
}
