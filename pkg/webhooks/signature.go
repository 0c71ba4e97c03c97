package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the lowercase hex HMAC-SHA256 of payload under secret.
// Signing with an empty secret is a programming error and panics.
func Sign(payload []byte, secret string) string {
	if secret == "" {
		panic("webhooks: refusing to sign payload with an empty secret")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature and compares it in constant time
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}
	expected, err := hex.DecodeString(Sign(payload, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
