// errors.go - Error taxonomy shared by the lifecycle engine and HTTP handlers.
//
// Handlers map these to minimal, stable client-facing messages; the
// internal distinction (e.g. Unauthorized vs NotFound) is kept for
// logging and tests.
package server

import (
	"errors"
	"fmt"
)

var (
	// ErrThrottled is returned when the rate limiter rejects a request.
	// Recoverable: the client should retry after the window elapses.
	ErrThrottled = errors.New("rate limit exceeded")

	// ErrQuotaExceeded is returned when accepting an upload would push the
	// live-byte sum over the configured ceiling.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrUnauthorized is returned on a bad admin key or session token.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound is returned for unknown or expired hashes and tokens.
	// An expired-but-unswept row is indistinguishable from an absent one.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateHash is returned when an upload carries ciphertext whose
	// hash already identifies a live ledger row. Expired rows never cause
	// it: the upload transaction reclaims them before inserting.
	ErrDuplicateHash = errors.New("duplicate content hash")

	// ErrInvalidCredentials is returned when the site password does not
	// match the configured hash.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// StorageError wraps an underlying store failure (Postgres or MinIO I/O).
// Fatal for the request; the upload path rolls back partial writes.
type StorageError struct {
	Op  string // e.g. "ledger.put", "blob.remove"
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
