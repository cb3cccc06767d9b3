// Package idgen generates random identifiers for records and requests.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex chars,
// e.g. "act_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + randomHex(12)
}

// RequestID returns a 16-byte hex identifier for request correlation.
func RequestID() string {
	return randomHex(16)
}

// Secret returns a 32-byte hex secret for signing callbacks.
func Secret() string {
	return randomHex(32)
}
