// sessions.go - Site-admin session store.
//
// A session is created by exchanging the admin password for a random
// token. Only the token's sha256 digest is stored, so a database dump
// never yields a usable credential.
package server

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SessionStore wraps the site_sessions table.
type SessionStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSessionStore builds a SessionStore on the given pool.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Login verifies the admin password against the configured bcrypt hash
// and, on success, mints a session token. The plaintext token is
// returned exactly once together with its expiry.
func (s *SessionStore) Login(ctx context.Context, password, passwordHash string, ttl time.Duration) (string, time.Time, error) {
	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", time.Time{}, ErrInvalidCredentials
	}

	token, digest, err := newSessionToken()
	if err != nil {
		return "", time.Time{}, err
	}

	now := s.now()
	expires := now.Add(ttl)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO site_sessions (token_hash, created_at, expires_at) VALUES ($1, $2, $3)`,
		digest, now, expires,
	)
	if err != nil {
		return "", time.Time{}, storageErr("sessions.insert", err)
	}
	return token, expires, nil
}

// Validate reports whether the presented token corresponds to a live
// session. An unknown, malformed or expired token is simply invalid;
// the caller cannot distinguish the three cases.
func (s *SessionStore) Validate(ctx context.Context, token string) (bool, error) {
	digest := digestPresented(token)
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM site_sessions WHERE token_hash = $1 AND expires_at > $2)`,
		digest, s.now(),
	).Scan(&exists)
	if err != nil {
		return false, storageErr("sessions.validate", err)
	}
	return exists, nil
}

// Logout revokes the session behind the presented token. Revoking an
// unknown token is a no-op, not an error.
func (s *SessionStore) Logout(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM site_sessions WHERE token_hash = $1`, digestPresented(token),
	)
	if err != nil {
		return storageErr("sessions.logout", err)
	}
	return nil
}

// DeleteExpired drops sessions past their expiry and returns how many
// rows went away. Called from the periodic sweep.
func (s *SessionStore) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM site_sessions WHERE expires_at <= $1`, s.now(),
	)
	if err != nil {
		return 0, storageErr("sessions.delete_expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("sessions.delete_expired", err)
	}
	return n, nil
}
