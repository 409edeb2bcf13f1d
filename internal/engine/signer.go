package engine

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// Sign returns the lowercase hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeader builds the X-Hub-Signature-256 header value.
func SignatureHeader(secret string, body []byte) string {
	return signaturePrefix + Sign(secret, body)
}

// VerifySignature checks a received signature header value in constant time.
// The sha256= prefix is accepted but not required.
func VerifySignature(secret string, body []byte, provided string) bool {
	provided = strings.TrimPrefix(provided, signaturePrefix)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, b)
}
