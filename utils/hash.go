// utils/hash.go
package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashStrings hashes the concatenation of parts with a separator so that
// ("ab","c") and ("a","bc") do not collide.
func HashStrings(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
