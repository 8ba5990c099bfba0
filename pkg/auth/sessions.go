package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrSessionNotFound is returned when a session token does not match an
// active session.
var ErrSessionNotFound = errors.New("session not found")

// Session is a logged-in platform user session. The session token itself
// is returned to the user once at creation and only its hash is stored.
type Session struct {
	ID           string
	OneSubUserID string
	TokenHash    string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
}

// SessionService manages platform user sessions backing the authorize
// flow. Vendors never see session tokens; they authenticate with API keys.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a session service.
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

// CreateSession mints a session for a platform user and returns the
// plaintext token alongside the stored session.
func (s *SessionService) CreateSession(ctx context.Context, oneSubUserID string, ttl time.Duration) (string, *Session, error) {
	token, hash, err := GenerateSessionToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate session token: %w", err)
	}

	session := &Session{
		ID:           uuid.NewString(),
		OneSubUserID: oneSubUserID,
		TokenHash:    hash,
		CreatedAt:    time.Now().UTC(),
		ExpiresAt:    time.Now().UTC().Add(ttl),
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_sessions (id, one_sub_user_id, token_hash, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		session.ID, session.OneSubUserID, session.TokenHash, session.CreatedAt, session.ExpiresAt,
	)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}
	return token, session, nil
}

// ValidateSession resolves a session token to its session. Expired and
// revoked sessions return ErrSessionNotFound.
func (s *SessionService) ValidateSession(ctx context.Context, token string) (*Session, error) {
	session := &Session{TokenHash: HashSecret(token)}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, one_sub_user_id, created_at, expires_at
		FROM user_sessions
		WHERE token_hash = $1 AND expires_at > NOW() AND revoked_at IS NULL`,
		session.TokenHash,
	).Scan(&session.ID, &session.OneSubUserID, &session.CreatedAt, &session.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return session, nil
}

// RevokeSession invalidates a session by ID. Revoking an already revoked
// or unknown session is not an error.
func (s *SessionService) RevokeSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeUserSessions invalidates every active session for a user, used
// when access is revoked platform-wide.
func (s *SessionService) RevokeUserSessions(ctx context.Context, oneSubUserID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE user_sessions SET revoked_at = NOW()
		WHERE one_sub_user_id = $1 AND revoked_at IS NULL`, oneSubUserID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user sessions: %w", err)
	}
	count, _ := result.RowsAffected()
	return count, nil
}
