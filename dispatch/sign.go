package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signature computes the dispatch signature: sha256=<hex> of
// HMAC-SHA256(secret, ts + "." + body). Pure function; the runner recomputes
// it for verification.
func Signature(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature against the recomputed value
// in constant time.
func VerifySignature(secret, ts string, body []byte, presented string) bool {
	expected := Signature(secret, ts, body)
	return hmac.Equal([]byte(expected), []byte(presented))
}
