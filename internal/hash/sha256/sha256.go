// Package sha256 derives cache keys from free text.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher builds namespaced SHA-256 keys.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key returns "<namespace>:<hex digest>". Runs of whitespace in text are
// collapsed first, so reflowed copies of the same text share a key.
func (h *Hasher) Key(namespace, text string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(text), " ")))
	return namespace + ":" + hex.EncodeToString(sum[:])
}
