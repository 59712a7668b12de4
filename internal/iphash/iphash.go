// Package iphash turns raw network addresses into the opaque tokens used
// everywhere addresses are stored or compared. Raw addresses never leave the
// ingestion boundary; only these tokens are persisted or logged.
package iphash

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash returns the canonical token for a raw textual address (IPv4/IPv6).
// The transform is deterministic and unsalted so historical data stays
// comparable across restarts. That makes it invertible by dictionary attack;
// it is a privacy measure, not a cryptographic secret.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// Abbrev returns a short prefix of a hashed address for log lines.
func Abbrev(hashed string) string {
	if len(hashed) <= 8 {
		return hashed
	}
	return hashed[:8]
}
