package authorize

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/onesub/vendorauth/pkg/auth"
	"github.com/onesub/vendorauth/pkg/entitlements"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/subscriptions"
	"github.com/onesub/vendorauth/pkg/tokens"
	"github.com/onesub/vendorauth/pkg/tools"
)

// EventNotifier delivers authorization events to the tool's webhook,
// fire and forget.
type EventNotifier interface {
	Enqueue(ctx context.Context, toolID, eventType string, payload interface{})
}

// ExchangeResult is what the vendor receives for a valid code.
type ExchangeResult struct {
	VerificationToken string
	Token             *tokens.VerificationToken
	Snapshot          *entitlements.Snapshot
}

// Exchanger trades single-use authorization codes for verification tokens.
type Exchanger struct {
	db       *sql.DB
	tokens   *tokens.Service
	resolver *entitlements.Resolver
	notifier EventNotifier
	metrics  *observability.Metrics
}

// NewExchanger creates a code exchanger. notifier and metrics may be nil.
func NewExchanger(db *sql.DB, tokenService *tokens.Service, resolver *entitlements.Resolver, notifier EventNotifier, metrics *observability.Metrics) *Exchanger {
	return &Exchanger{
		db:       db,
		tokens:   tokenService,
		resolver: resolver,
		notifier: notifier,
		metrics:  metrics,
	}
}

// Exchange consumes an authorization code and issues a verification token
// with the user's entitlement snapshot. The consume, grant, and token
// insert commit together: concurrent exchanges of the same code race on a
// single conditional update, so exactly one wins. Any failure after the
// consume rolls the whole transaction back, leaving the code exchangeable
// again.
func (e *Exchanger) Exchange(ctx context.Context, tool *tools.Tool, code, redirectURI string) (*ExchangeResult, error) {
	result, err := e.exchange(ctx, tool, code, redirectURI)
	if e.metrics != nil {
		if err != nil {
			e.metrics.ExchangesTotal.WithLabelValues("failure").Inc()
		} else {
			e.metrics.ExchangesTotal.WithLabelValues("success").Inc()
		}
	}
	return result, err
}

func (e *Exchanger) exchange(ctx context.Context, tool *tools.Tool, code, redirectURI string) (*ExchangeResult, error) {
	if !tool.Active() {
		return nil, ErrToolNotActive
	}

	codeHash := auth.HashSecret(code)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Single conditional update consumes the code; the WHERE clause folds
	// in expiry and redirect matching so only a fully valid presentation
	// can win.
	var (
		codeID       string
		oneSubUserID string
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE authorization_codes
		SET consumed_at = NOW()
		WHERE code_hash = $1 AND tool_id = $2 AND consumed_at IS NULL
		  AND expires_at > NOW() AND redirect_uri = $3
		RETURNING id, one_sub_user_id
	`, codeHash, tool.ID, redirectURI).Scan(&codeID, &oneSubUserID)
	if err == sql.ErrNoRows {
		return nil, e.classifyFailedConsume(ctx, codeHash, tool.ID, redirectURI)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	// Standing can change in the seconds between issue and exchange, so
	// both checks run again here. A failure rolls back the consume.
	var status subscriptions.Status
	err = tx.QueryRowContext(ctx, `
		SELECT status FROM subscriptions WHERE one_sub_user_id = $1 AND tool_id = $2
	`, oneSubUserID, tool.ID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription: %w", err)
	}
	if !(&subscriptions.Subscription{Status: status}).Grants() {
		return nil, ErrSubscriptionInactive
	}

	var revoked bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM revocations
			WHERE tool_id = $1 AND one_sub_user_id = $2 AND cleared_at IS NULL
		)
	`, tool.ID, oneSubUserID).Scan(&revoked)
	if err != nil || revoked {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		}
		return nil, ErrAccessRevoked
	}

	grantID := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO grants (id, tool_id, one_sub_user_id) VALUES ($1, $2, $3)
	`, grantID, tool.ID, oneSubUserID); err != nil {
		return nil, fmt.Errorf("failed to create grant: %w", err)
	}

	plaintext, token, err := e.tokens.Issue(ctx, tx, grantID, tool.ID, oneSubUserID)
	if err != nil {
		return nil, err
	}

	// Resolve entitlements before committing so a storage fault here
	// leaves the code exchangeable for a retry.
	snapshot, err := e.resolver.ResolveFresh(ctx, tool.ID, oneSubUserID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve entitlements: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit exchange: %w", err)
	}

	if e.notifier != nil {
		e.notifier.Enqueue(ctx, tool.ID, "authorization.granted", map[string]interface{}{
			"oneSubUserId": oneSubUserID,
			"grantId":      grantID,
			"codeId":       codeID,
			"grantedAt":    time.Now().UTC().Format(time.RFC3339),
		})
	}

	return &ExchangeResult{
		VerificationToken: plaintext,
		Token:             token,
		Snapshot:          snapshot,
	}, nil
}

// classifyFailedConsume distinguishes why the conditional consume matched
// nothing. The read happens outside the failed update's row lock, after the
// enclosing transaction rolls back on return.
func (e *Exchanger) classifyFailedConsume(ctx context.Context, codeHash, toolID, redirectURI string) error {
	var (
		consumedAt sql.NullTime
		expiresAt  time.Time
		storedURI  string
	)
	err := e.db.QueryRowContext(ctx, `
		SELECT consumed_at, expires_at, redirect_uri
		FROM authorization_codes
		WHERE code_hash = $1 AND tool_id = $2
	`, codeHash, toolID).Scan(&consumedAt, &expiresAt, &storedURI)
	if err == sql.ErrNoRows {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to inspect authorization code: %w", err)
	}

	switch {
	case consumedAt.Valid:
		return ErrCodeConsumed
	case time.Now().After(expiresAt):
		return ErrCodeExpired
	case storedURI != redirectURI:
		return ErrRedirectMismatch
	default:
		return ErrCodeInvalid
	}
}
