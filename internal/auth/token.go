// Package auth hashes and verifies the API bearer token.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HashToken returns the hex SHA-256 hash of the trimmed token.
func HashToken(token string) string {
	token = strings.TrimSpace(token)

	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// ValidHash reports whether hash looks like a HashToken output.
func ValidHash(hash string) bool {
	if len(hash) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

// Match reports whether token hashes to hash. The comparison takes constant time.
func Match(token, hash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashToken(token)), []byte(strings.ToLower(hash))) == 1
}
