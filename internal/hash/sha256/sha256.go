// Package sha256 derives archive object names from normalized URLs.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher with hex-encoded SHA-256.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (*Hasher) Hash(data []byte) (string, error) {
	return Sum(string(data)), nil
}

// Sum returns the hex digest of s.
func Sum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
