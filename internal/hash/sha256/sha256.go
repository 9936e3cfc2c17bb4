// Package sha256 provides SHA-256 hashing utilities used to key the content
// store.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestLength is the length of a hex-encoded digest.
const DigestLength = sha256.Size * 2

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a lowercase hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// IsDigest reports whether s looks like a digest produced by Hash.
func IsDigest(s string) bool {
	if len(s) != DigestLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
