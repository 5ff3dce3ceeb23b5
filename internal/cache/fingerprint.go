// Package cache is a content-addressed store for worker results. Entries
// expire by TTL and, when they carry a source snapshot, as soon as any
// tracked file changes.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Mode separates otherwise identical requests that must not share results.
type Mode string

// Key is a lowercase hex sha256 digest.
type Key string

func (k Key) String() string { return string(k) }

// Valid reports whether k looks like a fingerprint.
func (k Key) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(k))
	return err == nil && strings.ToLower(string(k)) == string(k)
}

// Normalize case-folds s and collapses every whitespace run into a single
// space. Wording is left alone: "app" and "application" stay distinct.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Fingerprint derives the cache key for raw input under mode.
func Fingerprint(raw string, mode Mode) Key {
	sum := sha256.Sum256([]byte(string(mode) + "\x00" + Normalize(raw)))
	return Key(hex.EncodeToString(sum[:]))
}
