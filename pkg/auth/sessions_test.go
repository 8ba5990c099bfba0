package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSessionService(t *testing.T) (*SessionService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSessionService(db), mock
}

func TestCreateSessionReturnsPlaintextOnce(t *testing.T) {
	service, mock := newSessionService(t)

	mock.ExpectExec("INSERT INTO user_sessions").
		WillReturnResult(sqlmock.NewResult(0, 1))

	token, session, err := service.CreateSession(context.Background(), "user-1", time.Hour)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(token, SessionTokenPrefix))
	assert.Equal(t, HashSecret(token), session.TokenHash)
	assert.Equal(t, "user-1", session.OneSubUserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), session.ExpiresAt, 5*time.Second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateSession(t *testing.T) {
	t.Run("active session resolves", func(t *testing.T) {
		service, mock := newSessionService(t)
		mock.ExpectQuery("SELECT id, one_sub_user_id, created_at, expires_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id", "created_at", "expires_at"}).
				AddRow("session-1", "user-1", time.Now().Add(-time.Minute), time.Now().Add(time.Hour)))

		session, err := service.ValidateSession(context.Background(), "1sub_st_abc")
		require.NoError(t, err)
		assert.Equal(t, "session-1", session.ID)
		assert.Equal(t, "user-1", session.OneSubUserID)
	})

	t.Run("unknown token", func(t *testing.T) {
		service, mock := newSessionService(t)
		mock.ExpectQuery("SELECT id, one_sub_user_id, created_at, expires_at").
			WillReturnRows(sqlmock.NewRows([]string{"id", "one_sub_user_id", "created_at", "expires_at"}))

		_, err := service.ValidateSession(context.Background(), "1sub_st_bogus")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestRevokeSession(t *testing.T) {
	service, mock := newSessionService(t)
	mock.ExpectExec("UPDATE user_sessions SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, service.RevokeSession(context.Background(), "session-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeUserSessions(t *testing.T) {
	service, mock := newSessionService(t)
	mock.ExpectExec("UPDATE user_sessions SET revoked_at").
		WillReturnResult(sqlmock.NewResult(0, 3))

	count, err := service.RevokeUserSessions(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}
