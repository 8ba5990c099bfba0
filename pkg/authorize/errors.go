// Package authorize implements the authorization flow: issuing single-use
// authorization codes to signed-in users and exchanging them for
// verification tokens plus an entitlement snapshot.
package authorize

import "errors"

var (
	// ErrToolNotFound is returned when the target tool does not exist.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolNotActive is returned when the tool is suspended or retired.
	ErrToolNotActive = errors.New("tool is not active")
	// ErrRedirectNotConfigured is returned when the tool has no redirect URI.
	ErrRedirectNotConfigured = errors.New("tool has no redirect URI configured")
	// ErrRedirectMismatch is returned when the presented redirect URI does
	// not match the one the code was issued for.
	ErrRedirectMismatch = errors.New("redirect URI mismatch")
	// ErrNoSubscription is returned when the user has no subscription to
	// the tool.
	ErrNoSubscription = errors.New("no subscription for tool")
	// ErrSubscriptionInactive is returned when the subscription is
	// cancelled.
	ErrSubscriptionInactive = errors.New("subscription is not active")
	// ErrAccessRevoked is returned when the user's access to the tool has
	// been revoked.
	ErrAccessRevoked = errors.New("access revoked")
	// ErrCodeInvalid is returned for unknown authorization codes.
	ErrCodeInvalid = errors.New("authorization code invalid")
	// ErrCodeExpired is returned for codes past their TTL.
	ErrCodeExpired = errors.New("authorization code expired")
	// ErrCodeConsumed is returned for codes already exchanged.
	ErrCodeConsumed = errors.New("authorization code already used")
)
