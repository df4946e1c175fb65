// Package sha256 provides the SHA-256 hasher used for task cache keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements tasks.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Sum is Hash without the error return, for callers outside the tasks.Hasher seam.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
