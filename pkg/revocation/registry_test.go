package revocation

import (
	"context"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRegistry(db), mock
}

func TestRevokeExpiresTokensAndGrants(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO revocations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verification_tokens").
		WithArgs("tool-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("UPDATE grants").
		WithArgs("tool-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	invalidated, err := registry.Revoke(context.Background(), "tool-1", "user-1", "refund issued")
	require.NoError(t, err)
	assert.Equal(t, int64(3), invalidated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRevokeRollsBackOnFailure(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO revocations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE verification_tokens").
		WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()

	_, err := registry.Revoke(context.Background(), "tool-1", "user-1", "")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckRevoked(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tool-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	revoked, err := registry.Check(context.Background(), "tool-1", "user-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestCheckNotRevoked(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("tool-1", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	revoked, err := registry.Check(context.Background(), "tool-1", "user-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestCheckFailsClosed(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectQuery("SELECT EXISTS").
		WillReturnError(fmt.Errorf("connection refused"))

	revoked, err := registry.Check(context.Background(), "tool-1", "user-1")
	assert.Error(t, err)
	assert.True(t, revoked, "storage errors must read as revoked")
}

func TestClearIsIdempotent(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectExec("UPDATE revocations").
		WithArgs("tool-1", "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.NoError(t, registry.Clear(context.Background(), "tool-1", "user-1"))
}
