package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is the only error verification returns, so callers cannot
// leak which check failed.
var errVerification = errors.New("webhook verification failed")

// Sign returns the GitHub-style "sha256=<hex>" signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// verifyHMACSignature checks an HMAC-SHA256 signature of body in constant time.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	actual, err := parseSignature(signature)
	if err != nil {
		return errVerification
	}
	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return errVerification
	}
	return nil
}

// parseSignature decodes "sha256=<hex>" (any case prefix) or plain hex.
func parseSignature(signature string) ([]byte, error) {
	s := strings.TrimSpace(signature)
	if len(s) > len("sha256=") && strings.EqualFold(s[:len("sha256=")], "sha256=") {
		s = s[len("sha256="):]
	}
	return hex.DecodeString(s)
}
