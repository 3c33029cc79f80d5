// Package signature signs webhook payloads with HMAC-SHA256.
//
// Receivers recompute the digest over the raw request body with the shared
// secret and compare it with the X-Webhook-Signature header.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	Header = "X-Webhook-Signature"
	prefix = "sha256="
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// HeaderValue formats the signature header value for payload.
func HeaderValue(payload []byte, secret string) string {
	return prefix + Sign(payload, secret)
}

// Verify checks a header value against payload in constant time.
func Verify(payload []byte, secret, headerValue string) bool {
	got, ok := strings.CutPrefix(headerValue, prefix)
	if !ok {
		return false
	}
	gotBytes, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hmac.Equal(gotBytes, h.Sum(nil))
}
