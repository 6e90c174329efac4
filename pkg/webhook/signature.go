package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Sign returns the X-Webhook-Signature value for body: "sha256=<hex hmac>".
func Sign(body []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return fmt.Sprintf("sha256=%s", hex.EncodeToString(h.Sum(nil)))
}

// Verify checks a signature header against body. Receivers call this with
// the raw request body. Both sha256= and legacy sha1= prefixes are accepted.
func Verify(body []byte, header string, secret string) bool {
	if secret == "" || header == "" {
		return false
	}

	var expected string
	switch algorithmOf(header) {
	case "sha256":
		expected = Sign(body, secret)
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		h.Write(body)
		expected = fmt.Sprintf("sha1=%s", hex.EncodeToString(h.Sum(nil)))
	default:
		return false
	}

	// Timing-safe comparison
	return subtle.ConstantTimeCompare([]byte(header), []byte(expected)) == 1
}

func algorithmOf(header string) string {
	algorithm, _, ok := strings.Cut(header, "=")
	if !ok {
		return ""
	}
	return strings.ToLower(algorithm)
}
