// Package webhook receives GitLab webhook deliveries, authenticates them per
// tenant, and hands verified events to the processor.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Header names GitLab uses for webhook authentication.
const (
	headerDirectSecret = "X-Gitlab-Token"
	headerSignature    = "X-Gitlab-Webhook-Signature"
)

// VerifySignature authenticates a webhook delivery against the tenant's
// secret. Two schemes are accepted: the direct secret header compared
// byte-for-byte, or an HMAC-SHA256 of the raw body (hex or base64 encoded,
// optional sha256= prefix). Missing both headers fails.
func VerifySignature(body []byte, directSecret, signature, secret string) bool {
	if secret == "" {
		return false
	}

	if directSecret != "" {
		return constantTimeEqual([]byte(directSecret), []byte(secret))
	}

	if signature == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, ok := decodeSignature(signature)
	if !ok {
		return false
	}
	return constantTimeEqual(provided, expected)
}

// decodeSignature parses the signature header: optional sha256= prefix, then
// hex or standard base64.
func decodeSignature(signature string) ([]byte, bool) {
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")

	if decoded, err := hex.DecodeString(signature); err == nil {
		return decoded, true
	}
	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil {
		return decoded, true
	}
	return nil, false
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return hmac.Equal(a, b)
}
