package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// VerifySignature validates a GitHub webhook signature header against the
// payload. With no configured secret, verification is skipped entirely; that
// is a deployment choice, not a per-request one. The comparison is constant
// time so a mismatch reveals nothing about where the signatures diverge.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return true
	}
	if !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := signaturePrefix + hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the signature header value for payload with secret, in the
// same form the forge sends. The tests use it to sign deliveries.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
