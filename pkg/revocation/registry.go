// Package revocation maintains the registry of revoked tool access. The
// registry is the kill switch consulted on every token validation; checks
// fail closed so a storage fault can never widen access.
package revocation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// Registry stores revocations in PostgreSQL.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a revocation registry.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Revoke records a revocation for a user's access to a tool and immediately
// expires all live verification tokens and grants for that pair. Revoking an
// already-revoked pair is a no-op for the registry row but still sweeps
// tokens. Returns the number of tokens invalidated.
func (r *Registry) Revoke(ctx context.Context, toolID, oneSubUserID, reason string) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revocations (id, tool_id, one_sub_user_id, reason)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (tool_id, one_sub_user_id) WHERE cleared_at IS NULL DO NOTHING
	`, uuid.NewString(), toolID, oneSubUserID, reason)
	if err != nil {
		return 0, fmt.Errorf("failed to record revocation: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE verification_tokens
		SET expires_at = NOW()
		WHERE tool_id = $1 AND one_sub_user_id = $2 AND expires_at > NOW()
	`, toolID, oneSubUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire verification tokens: %w", err)
	}
	invalidated, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count expired tokens: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE grants
		SET revoked_at = NOW()
		WHERE tool_id = $1 AND one_sub_user_id = $2 AND revoked_at IS NULL
	`, toolID, oneSubUserID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke grants: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit revocation: %w", err)
	}
	return invalidated, nil
}

// Check reports whether the user's access to the tool is revoked. On any
// storage error it reports revoked along with the error; callers must deny
// access rather than guessing.
func (r *Registry) Check(ctx context.Context, toolID, oneSubUserID string) (bool, error) {
	var revoked bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM revocations
			WHERE tool_id = $1 AND one_sub_user_id = $2 AND cleared_at IS NULL
		)
	`, toolID, oneSubUserID).Scan(&revoked)
	if err != nil {
		return true, fmt.Errorf("failed to check revocation: %w", err)
	}
	return revoked, nil
}

// Clear lifts an active revocation. Clearing a pair with no active
// revocation is a no-op. Tokens expired by the revocation stay expired; the
// user must re-authorize.
func (r *Registry) Clear(ctx context.Context, toolID, oneSubUserID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE revocations
		SET cleared_at = NOW()
		WHERE tool_id = $1 AND one_sub_user_id = $2 AND cleared_at IS NULL
	`, toolID, oneSubUserID)
	if err != nil {
		return fmt.Errorf("failed to clear revocation: %w", err)
	}
	return nil
}
