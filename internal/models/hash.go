package models

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// HashLength is the length of a hex-encoded SHA-256 digest.
const HashLength = sha256.Size * 2

// validHash matches a lowercase hex-encoded SHA256 hash (64 characters).
var validHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidHash reports whether s is a well-formed content hash. Callers must
// check this before a hash is used to build any filesystem path.
func ValidHash(s string) bool {
	return len(s) == HashLength && validHash.MatchString(s)
}

// HashBytes returns the hex-encoded SHA-256 digest of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 12 characters of a hash for display.
func ShortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
