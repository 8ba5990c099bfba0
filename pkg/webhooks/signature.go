// Package webhooks delivers authorization and subscription events to
// vendor endpoints with HMAC signatures and exponential-backoff retries.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the HTTP header carrying the delivery signature.
const SignatureHeader = "X-1Sub-Signature"

// SignPayload produces the signature header value for a payload:
// "t=<unix>,v1=<hex hmac-sha256(secret, "<unix>.<payload>")>". The
// timestamp binds the signature so captures cannot be replayed later.
func SignPayload(secret string, t time.Time, payload []byte) string {
	ts := strconv.FormatInt(t.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

// VerifySignature checks a signature header against a payload. Signatures
// older than the tolerance are rejected even when the HMAC matches.
func VerifySignature(secret, header string, payload []byte, tolerance time.Duration) bool {
	var ts string
	var provided string
	for _, part := range strings.Split(header, ",") {
		switch {
		case strings.HasPrefix(part, "t="):
			ts = strings.TrimPrefix(part, "t=")
		case strings.HasPrefix(part, "v1="):
			provided = strings.TrimPrefix(part, "v1=")
		}
	}
	if ts == "" || provided == "" {
		return false
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	signedAt := time.Unix(unix, 0)
	if tolerance > 0 {
		age := time.Since(signedAt)
		if age > tolerance || age < -tolerance {
			return false
		}
	}

	expected := SignPayload(secret, signedAt, payload)
	expectedV1 := strings.TrimPrefix(strings.Split(expected, ",")[1], "v1=")
	return hmac.Equal([]byte(expectedV1), []byte(provided))
}
