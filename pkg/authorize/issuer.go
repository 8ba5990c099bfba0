package authorize

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/onesub/vendorauth/pkg/auth"
	"github.com/onesub/vendorauth/pkg/observability"
	"github.com/onesub/vendorauth/pkg/subscriptions"
	"github.com/onesub/vendorauth/pkg/tools"
)

// ToolSource resolves tools by ID.
type ToolSource interface {
	GetTool(ctx context.Context, id string) (*tools.Tool, error)
}

// SubscriptionSource resolves a user's subscription to a tool.
type SubscriptionSource interface {
	GetSubscription(ctx context.Context, oneSubUserID, toolID string) (*subscriptions.Subscription, error)
}

// RevocationChecker reports whether a tool/user pair is revoked.
type RevocationChecker interface {
	Check(ctx context.Context, toolID, oneSubUserID string) (bool, error)
}

// IssuedCode is the result of issuing an authorization code. Code is the
// plaintext handed to the user agent for the redirect; only its hash is
// stored. AuthorizationURL is the tool's redirect URI with the code and
// the caller's CSRF state appended.
type IssuedCode struct {
	Code             string
	AuthorizationURL string
	RedirectURI      string
	State            string
	ExpiresAt        time.Time
}

// Issuer mints single-use authorization codes for signed-in users.
type Issuer struct {
	db          *sql.DB
	tools       ToolSource
	subs        SubscriptionSource
	revocations RevocationChecker
	codeTTL     time.Duration
	metrics     *observability.Metrics
}

// NewIssuer creates a code issuer. metrics may be nil.
func NewIssuer(db *sql.DB, toolSource ToolSource, subs SubscriptionSource, revocations RevocationChecker, codeTTL time.Duration, metrics *observability.Metrics) *Issuer {
	return &Issuer{
		db:          db,
		tools:       toolSource,
		subs:        subs,
		revocations: revocations,
		codeTTL:     codeTTL,
		metrics:     metrics,
	}
}

// IssueCode checks the user's standing with the tool and mints a code.
// Preconditions run in a fixed order so callers get the most specific
// failure: tool existence, tool status, subscription standing, redirect
// configuration, and revocation last. An empty redirectURI falls back to
// the tool's registered one. state is the caller's opaque CSRF value,
// echoed back on the redirect unchanged.
func (i *Issuer) IssueCode(ctx context.Context, oneSubUserID, toolID, redirectURI, state string) (*IssuedCode, error) {
	tool, err := i.tools.GetTool(ctx, toolID)
	if errors.Is(err, tools.ErrNotFound) {
		return nil, ErrToolNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tool: %w", err)
	}
	if !tool.Active() {
		return nil, ErrToolNotActive
	}

	sub, err := i.subs.GetSubscription(ctx, oneSubUserID, toolID)
	if errors.Is(err, subscriptions.ErrNotFound) {
		return nil, ErrNoSubscription
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve subscription: %w", err)
	}
	if !sub.Grants() {
		return nil, ErrSubscriptionInactive
	}

	if tool.RedirectURI == "" {
		return nil, ErrRedirectNotConfigured
	}
	if redirectURI == "" {
		redirectURI = tool.RedirectURI
	} else if redirectURI != tool.RedirectURI {
		return nil, ErrRedirectMismatch
	}

	revoked, err := i.revocations.Check(ctx, toolID, oneSubUserID)
	if revoked {
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccessRevoked, err)
		}
		return nil, ErrAccessRevoked
	}

	code, codeHash, err := auth.GenerateAuthorizationCode()
	if err != nil {
		return nil, fmt.Errorf("failed to generate authorization code: %w", err)
	}

	expiresAt := time.Now().Add(i.codeTTL)
	if _, err := i.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (id, code_hash, tool_id, one_sub_user_id, redirect_uri, state, expires_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
	`, uuid.NewString(), codeHash, toolID, oneSubUserID, redirectURI, state, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store authorization code: %w", err)
	}

	if i.metrics != nil {
		i.metrics.CodesIssuedTotal.Inc()
	}

	authURL, err := buildAuthorizationURL(redirectURI, code, state)
	if err != nil {
		return nil, err
	}

	return &IssuedCode{
		Code:             code,
		AuthorizationURL: authURL,
		RedirectURI:      redirectURI,
		State:            state,
		ExpiresAt:        expiresAt,
	}, nil
}

// buildAuthorizationURL appends the code and state to the redirect URI.
func buildAuthorizationURL(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URI: %w", err)
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
