package api

import (
	"time"

	"github.com/onesub/vendorauth/pkg/entitlements"
)

// Request and response shapes for the vendor API. Field names are
// wire-stable; vendor SDKs unmarshal these directly.

// InitiateRequest starts an authorization flow for a signed-in user.
type InitiateRequest struct {
	ToolID      string `json:"toolId"`
	RedirectURI string `json:"redirectUri,omitempty"`
	State       string `json:"state,omitempty"`
}

// InitiateResponse carries the single-use code and the redirect target.
type InitiateResponse struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	Code             string    `json:"code"`
	State            string    `json:"state,omitempty"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// ExchangeRequest redeems an authorization code.
type ExchangeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri,omitempty"`
}

// ExchangeResponse is the vendor's side of a successful exchange. The
// verification token appears here once and is never recoverable later.
type ExchangeResponse struct {
	GrantID           string                 `json:"grantId"`
	OneSubUserID      string                 `json:"oneSubUserId"`
	VerificationToken string                 `json:"verificationToken"`
	ExpiresAt         time.Time              `json:"expiresAt"`
	Entitlements      *entitlements.Snapshot `json:"entitlements"`
}

// VerifyRequest validates a verification token. Rotate defaults to true;
// hot-path callers that only need a read-only answer send "rotate": false.
type VerifyRequest struct {
	VerificationToken string `json:"verificationToken"`
	Rotate            *bool  `json:"rotate,omitempty"`
}

// VerifyResponse reports token standing. On rotation the new token
// replaces the presented one immediately; the old value is dead.
// CacheUntil and NextVerificationBefore bound how long a vendor may trust
// a positive answer without calling again.
type VerifyResponse struct {
	Valid                  bool       `json:"valid"`
	Reason                 string     `json:"reason,omitempty"`
	Action                 string     `json:"action,omitempty"`
	OneSubUserID           string     `json:"oneSubUserId,omitempty"`
	GrantID                string     `json:"grantId,omitempty"`
	ExpiresAt              *time.Time `json:"expiresAt,omitempty"`
	NeedsRotation          bool       `json:"needsRotation,omitempty"`
	Rotated                bool       `json:"rotated,omitempty"`
	VerificationToken      string     `json:"verificationToken,omitempty"`
	CacheUntil             *time.Time `json:"cacheUntil,omitempty"`
	NextVerificationBefore *time.Time `json:"nextVerificationBefore,omitempty"`
}

// ConsumeRequest debits credits from a user.
type ConsumeRequest struct {
	OneSubUserID   string `json:"oneSubUserId"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// ConsumeResponse reports the debit outcome in the SDK wire shape.
type ConsumeResponse struct {
	Success       bool   `json:"success"`
	NewBalance    int64  `json:"new_balance"`
	TransactionID string `json:"transaction_id"`
	IsDuplicate   bool   `json:"is_duplicate"`
}

// SubscriptionVerifyRequest looks up a subscription by exactly one of
// three identifiers.
type SubscriptionVerifyRequest struct {
	OneSubUserID string `json:"oneSubUserId,omitempty"`
	ToolUserID   string `json:"toolUserId,omitempty"`
	EmailSHA256  string `json:"emailSha256,omitempty"`
}

// SubscriptionVerifyResponse reports whether the identified user has a
// granting subscription to the calling tool.
type SubscriptionVerifyResponse struct {
	Subscribed   bool                   `json:"subscribed"`
	OneSubUserID string                 `json:"oneSubUserId,omitempty"`
	Entitlements *entitlements.Snapshot `json:"entitlements,omitempty"`
}
