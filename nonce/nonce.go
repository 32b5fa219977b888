// Package nonce derives the correlation value that binds the nested
// transaction back to the login that started it.
package nonce

import (
	"crypto/sha256"
	"encoding/hex"
)

// Length is the number of hex characters in a nonce.
const Length = 32

// Make returns the first Length hex characters of SHA-256(userID + requestIP).
// The value is not secret; it is stable for one login attempt so the
// continuation can recompute it.
func Make(userID, requestIP string) string {
	sum := sha256.Sum256([]byte(userID + requestIP))
	return hex.EncodeToString(sum[:])[:Length]
}
