// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// idBytes yields 24 hex characters: short enough to read in logs,
// long enough that records never collide in practice.
const idBytes = 12

// NewID returns a prefixed random identifier such as "post_9f2c...".
// An empty prefix yields the bare hex string.
func NewID(prefix string) string {
	raw := randomHex(idBytes)
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}

// NewSecret returns a 64-character hex token for secrets handed to
// clients, such as refresh tokens.
func NewSecret() string {
	return randomHex(32)
}

// ShortID returns an 8-character random suffix for object keys.
func ShortID() string {
	return randomHex(4)
}

func randomHex(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic("util: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(raw)
}
