// hash.go - Content hashing and per-file admin key generation.
//
// Every identifier that leaves the server is a base64url-encoded (no
// padding) SHA-256 digest. Secrets are stored only as digests; a single
// round of SHA-256 is sufficient because every secret here carries 256
// bits of fresh entropy, so password-stretching buys nothing.
package server

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// contentHashLen is the length of a base64url-encoded SHA-256 digest
// without padding. Hashes of any other length are rejected outright.
const contentHashLen = 43

// adminKeyBytes is the entropy of a generated per-file admin key.
const adminKeyBytes = 32

// hashBytes returns the base64url-encoded SHA-256 digest of b.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// newAdminKey generates a fresh per-file admin key and returns both the
// plaintext (handed to the uploader exactly once) and the digest that is
// persisted in the ledger.
func newAdminKey() (plaintext, digest string, err error) {
	raw := make([]byte, adminKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generate admin key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), hashBytes(raw), nil
}

// newSessionToken generates a site-session bearer token. Same shape as an
// admin key but lives in its own hash namespace (site_sessions table).
func newSessionToken() (plaintext, digest string, err error) {
	plaintext, digest, err = newAdminKey()
	if err != nil {
		return "", "", fmt.Errorf("generate session token: %w", err)
	}
	return plaintext, digest, nil
}

// digestPresented hashes a client-presented base64url secret for lookup
// or comparison. A malformed or wrong-size secret still produces a digest
// (of the empty input) so callers keep a single code path; it can never
// match a stored digest of 32 random bytes.
func digestPresented(secret string) string {
	raw, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil || len(raw) != adminKeyBytes {
		raw = nil
	}
	return hashBytes(raw)
}

// digestsEqual compares two digests in constant time.
func digestsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
