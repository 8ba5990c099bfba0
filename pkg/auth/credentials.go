// Package auth generates and hashes the platform's opaque credentials:
// vendor API keys, verification tokens, authorization codes, and webhook
// secrets. Secrets are returned to the caller exactly once; only their
// SHA-256 hash is ever stored.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// APIKeyPrefix identifies vendor tool API keys.
	APIKeyPrefix = "sk-tool-"
	// VerificationTokenPrefix identifies vendor-held verification tokens.
	VerificationTokenPrefix = "1sub_vt_"
	// AuthorizationCodePrefix identifies single-use authorization codes.
	AuthorizationCodePrefix = "1sub_ac_"
	// SessionTokenPrefix identifies platform user session tokens.
	SessionTokenPrefix = "1sub_st_"
	// WebhookSecretPrefix identifies outbound webhook signing secrets.
	WebhookSecretPrefix = "whsec-"

	// keyBytes is the entropy of API keys and verification tokens (256 bits).
	keyBytes = 32
	// codeBytes is the entropy of authorization codes (192 bits; codes live
	// for 60 seconds, so this is comfortably unguessable).
	codeBytes = 24
)

// generate mints a credential with the given prefix and entropy, returning
// the plaintext and its SHA-256 hex hash for storage.
func generate(prefix string, n int) (secret, hash string, err error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	secret = prefix + base64.RawURLEncoding.EncodeToString(raw)
	return secret, HashSecret(secret), nil
}

// GenerateAPIKey mints a vendor API key. Format: sk-tool-<base64url(32B)>.
func GenerateAPIKey() (key, hash string, err error) {
	return generate(APIKeyPrefix, keyBytes)
}

// GenerateVerificationToken mints an opaque bearer token. The token is not
// self-verifying; every use requires a live lookup against its hash.
func GenerateVerificationToken() (token, hash string, err error) {
	return generate(VerificationTokenPrefix, keyBytes)
}

// GenerateAuthorizationCode mints a single-use authorization code.
func GenerateAuthorizationCode() (code, hash string, err error) {
	return generate(AuthorizationCodePrefix, codeBytes)
}

// GenerateSessionToken mints a platform user session token.
func GenerateSessionToken() (token, hash string, err error) {
	return generate(SessionTokenPrefix, keyBytes)
}

// GenerateWebhookSecret mints a webhook signing secret for a tool.
func GenerateWebhookSecret() (string, error) {
	secret, _, err := generate(WebhookSecretPrefix, codeBytes)
	return secret, err
}

// HashSecret computes the SHA-256 hex hash of a credential for storage
// and lookup.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ValidateFormat checks that a credential carries the expected prefix and a
// valid base64url payload. It does not prove the credential exists.
func ValidateFormat(secret, prefix string) error {
	if !strings.HasPrefix(secret, prefix) {
		return fmt.Errorf("credential must start with %q", prefix)
	}
	encoded := strings.TrimPrefix(secret, prefix)
	if encoded == "" {
		return fmt.Errorf("credential is too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return fmt.Errorf("invalid credential encoding: %w", err)
	}
	return nil
}

// DisplayPrefix returns a short identifying prefix safe to show in logs and
// admin UIs (credential prefix plus the first 8 payload characters).
func DisplayPrefix(secret string) string {
	for _, p := range []string{APIKeyPrefix, VerificationTokenPrefix, AuthorizationCodePrefix, SessionTokenPrefix, WebhookSecretPrefix} {
		if strings.HasPrefix(secret, p) {
			payload := strings.TrimPrefix(secret, p)
			if len(payload) >= 8 {
				return p + payload[:8]
			}
			return secret
		}
	}
	return ""
}

// SecureCompare reports whether two credential strings are equal in
// constant time.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
