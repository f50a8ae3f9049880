package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxKeyLength is the longest key accepted by every storage backend.
const MaxKeyLength = 256

// Hash returns the hex SHA256 digest of s.
func Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func keyRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.ContainsRune("!_.'()-", c)
}

// SanitizeKey replaces every character outside [a-zA-Z0-9!_.'()-] with '_'.
// Keys longer than MaxKeyLength keep a prefix and end with the SHA256 of the
// original input, so distinct long inputs map to distinct keys.
func SanitizeKey(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, c := range key {
		if keyRune(c) {
			b.WriteRune(c)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) <= MaxKeyLength {
		return out
	}
	sum := Hash(key)
	return out[:MaxKeyLength-len(sum)-1] + "-" + sum
}
