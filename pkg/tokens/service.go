// Package tokens manages verification tokens: opaque credentials vendors
// hold after a code exchange. Tokens are never self-verifying; every
// validation consults storage and the revocation registry.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onesub/vendorauth/pkg/auth"
)

var (
	// ErrNotFound is returned when no live token matches.
	ErrNotFound = errors.New("verification token not found")
	// ErrRevoked is returned when the token's grant has been revoked.
	ErrRevoked = errors.New("access revoked")
)

// Reasons a validation can fail, and the action the vendor should take.
const (
	ReasonRevoked  = "revoked"
	ReasonExpired  = "expired"
	ReasonNotFound = "not_found"

	ActionTerminateSession = "terminate_session"
	ActionReauthenticate   = "reauthenticate"
)

// VerificationToken is the stored form of a token; only the hash persists.
type VerificationToken struct {
	ID           string     `json:"id"`
	GrantID      string     `json:"grantId"`
	ToolID       string     `json:"toolId"`
	OneSubUserID string     `json:"oneSubUserId"`
	ExpiresAt    time.Time  `json:"expiresAt"`
	RotatedAt    *time.Time `json:"rotatedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Validation is the outcome of checking a token.
type Validation struct {
	Valid         bool
	Reason        string
	Action        string
	OneSubUserID  string
	GrantID       string
	ExpiresAt     time.Time
	NeedsRotation bool
}

// RevocationChecker reports whether a tool/user pair has been revoked.
// Implementations fail closed: on error the pair reads as revoked.
type RevocationChecker interface {
	Check(ctx context.Context, toolID, oneSubUserID string) (bool, error)
}

// Querier is satisfied by *sql.DB and *sql.Tx so tokens can be issued
// inside a caller's transaction.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Service validates, issues and rotates verification tokens.
type Service struct {
	db             *sql.DB
	revocations    RevocationChecker
	tokenTTL       time.Duration
	rotationWindow time.Duration
}

// NewService creates a token service.
func NewService(db *sql.DB, revocations RevocationChecker, tokenTTL, rotationWindow time.Duration) *Service {
	return &Service{
		db:             db,
		revocations:    revocations,
		tokenTTL:       tokenTTL,
		rotationWindow: rotationWindow,
	}
}

// TokenTTL returns the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}

// Issue mints a verification token for a grant and stores its hash via the
// given querier (a *sql.Tx during code exchange). Returns the plaintext,
// which is never stored.
func (s *Service) Issue(ctx context.Context, q Querier, grantID, toolID, oneSubUserID string) (string, *VerificationToken, error) {
	plaintext, hash, err := auth.GenerateVerificationToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	token := &VerificationToken{
		ID:           uuid.NewString(),
		GrantID:      grantID,
		ToolID:       toolID,
		OneSubUserID: oneSubUserID,
		ExpiresAt:    time.Now().Add(s.tokenTTL),
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO verification_tokens (id, token_hash, grant_id, tool_id, one_sub_user_id, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, token.ID, hash, token.GrantID, token.ToolID, token.OneSubUserID, token.ExpiresAt).
		Scan(&token.CreatedAt)
	if err != nil {
		return "", nil, fmt.Errorf("failed to store verification token: %w", err)
	}

	return plaintext, token, nil
}

// Validate checks a token presented by a tool. It is read-only: the token
// is usable again immediately. The revocation registry is consulted on
// every call; a registry error reads as revoked. The returned Validation is
// always usable even when err is non-nil.
func (s *Service) Validate(ctx context.Context, toolID, plaintext string) (*Validation, error) {
	hash := auth.HashSecret(plaintext)

	var (
		grantID      string
		oneSubUserID string
		expiresAt    time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT grant_id, one_sub_user_id, expires_at
		FROM verification_tokens
		WHERE token_hash = $1 AND tool_id = $2
	`, hash, toolID).Scan(&grantID, &oneSubUserID, &expiresAt)
	if err == sql.ErrNoRows {
		return &Validation{Reason: ReasonNotFound, Action: ActionReauthenticate}, nil
	}
	if err != nil {
		return &Validation{Reason: ReasonNotFound, Action: ActionReauthenticate},
			fmt.Errorf("failed to look up verification token: %w", err)
	}

	if time.Now().After(expiresAt) {
		return &Validation{
			Reason:       ReasonExpired,
			Action:       ActionReauthenticate,
			OneSubUserID: oneSubUserID,
			GrantID:      grantID,
		}, nil
	}

	revoked, err := s.revocations.Check(ctx, toolID, oneSubUserID)
	if revoked {
		return &Validation{
			Reason:       ReasonRevoked,
			Action:       ActionTerminateSession,
			OneSubUserID: oneSubUserID,
			GrantID:      grantID,
		}, err
	}

	return &Validation{
		Valid:         true,
		OneSubUserID:  oneSubUserID,
		GrantID:       grantID,
		ExpiresAt:     expiresAt,
		NeedsRotation: time.Until(expiresAt) < s.rotationWindow,
	}, nil
}

// Rotate atomically replaces a token with a fresh one on the same grant.
// The swap is a single row update, so at no point are zero or two tokens
// valid for the grant. Rotating an expired, unknown, or revoked token
// fails without side effects.
func (s *Service) Rotate(ctx context.Context, toolID, plaintext string) (string, *VerificationToken, error) {
	oldHash := auth.HashSecret(plaintext)

	// Resolve the holder first so the revocation registry can veto the
	// rotation.
	var oneSubUserID string
	err := s.db.QueryRowContext(ctx, `
		SELECT one_sub_user_id FROM verification_tokens
		WHERE token_hash = $1 AND tool_id = $2
	`, oldHash, toolID).Scan(&oneSubUserID)
	if err == sql.ErrNoRows {
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to look up verification token: %w", err)
	}

	revoked, err := s.revocations.Check(ctx, toolID, oneSubUserID)
	if revoked {
		if err != nil {
			return "", nil, fmt.Errorf("%w: %v", ErrRevoked, err)
		}
		return "", nil, ErrRevoked
	}

	newPlaintext, newHash, err := auth.GenerateVerificationToken()
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	token := &VerificationToken{ToolID: toolID, OneSubUserID: oneSubUserID}
	var rotatedAt time.Time
	err = s.db.QueryRowContext(ctx, `
		UPDATE verification_tokens
		SET token_hash = $1, expires_at = $2, rotated_at = NOW()
		WHERE token_hash = $3 AND tool_id = $4 AND expires_at > NOW()
		RETURNING id, grant_id, expires_at, rotated_at, created_at
	`, newHash, time.Now().Add(s.tokenTTL), oldHash, toolID).
		Scan(&token.ID, &token.GrantID, &token.ExpiresAt, &rotatedAt, &token.CreatedAt)
	if err == sql.ErrNoRows {
		// Lost a race with expiry or a concurrent rotation of the same
		// token; either way the presented token no longer exists.
		return "", nil, ErrNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to rotate verification token: %w", err)
	}
	token.RotatedAt = &rotatedAt

	return newPlaintext, token, nil
}
