// ledger.go - The durable metadata ledger: one row per stored blob.
//
// The row's existence (and its expires_at still being in the future) is
// the single source of truth for "does this file exist". Every read
// filters on expiry, so a row the sweep has not reclaimed yet behaves
// exactly like an absent one.
package server

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// quotaLockID keys the advisory lock serialising quota check + insert.
// Arbitrary but stable; shared by every upload transaction.
const quotaLockID int64 = 0x43697068 // "Ciph"

// FileRow is one ledger entry.
type FileRow struct {
	ID                int64
	ContentHash       string
	AdminKeyHash      string
	EncryptedFilename []byte
	IVFiledata        []byte
	IVFilename        []byte
	SizeBytes         int64
	UploaderIP        string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	DownloadCount     int64
}

// Ledger wraps the files table. All methods are safe for concurrent use;
// the underlying pool provides the serialisation points.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger builds a Ledger on the given pool.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const fileColumns = `id, content_hash, admin_key_hash, encrypted_filename, iv_filedata, iv_filename,
	size_bytes, uploader_ip, created_at, expires_at, download_count`

// Put inserts a row after checking the quota ceiling, as one atomic unit.
//
// An advisory transaction lock serialises concurrent uploads through the
// quota check, so two uploads can never jointly overshoot the ceiling.
// An expired row under the same hash is reclaimed first; a live one
// trips the unique constraint on content_hash, which surfaces as
// ErrDuplicateHash. Quota rejection surfaces as ErrQuotaExceeded.
func (l *Ledger) Put(ctx context.Context, row FileRow, quotaCeiling int64) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("ledger.begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, quotaLockID); err != nil {
		return storageErr("ledger.lock", err)
	}

	now := l.now()

	// content_hash is UNIQUE across expired rows too. An expired row the
	// sweep has not reached yet reads as absent everywhere else, so it
	// must not block a fresh upload of the same bytes; reclaim it here.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE content_hash = $1 AND expires_at <= $2`,
		row.ContentHash, now,
	); err != nil {
		return storageErr("ledger.reclaim", err)
	}

	var liveBytes int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE expires_at > $1`,
		now,
	).Scan(&liveBytes)
	if err != nil {
		return storageErr("ledger.quota_sum", err)
	}
	if liveBytes+row.SizeBytes > quotaCeiling {
		return ErrQuotaExceeded
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (content_hash, admin_key_hash, encrypted_filename, iv_filedata, iv_filename,
		                   size_bytes, uploader_ip, created_at, expires_at, download_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0)`,
		row.ContentHash, row.AdminKeyHash, row.EncryptedFilename, row.IVFiledata, row.IVFilename,
		row.SizeBytes, row.UploaderIP, row.CreatedAt, row.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return storageErr("ledger.insert", err)
	}

	if err := tx.Commit(); err != nil {
		return storageErr("ledger.commit", err)
	}

	metricLiveBytes.Set(float64(liveBytes + row.SizeBytes))
	return nil
}

// Get returns the live row for a content hash, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, hash string) (FileRow, error) {
	var row FileRow
	err := l.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE content_hash = $1 AND expires_at > $2`,
		hash, l.now(),
	).Scan(
		&row.ID, &row.ContentHash, &row.AdminKeyHash, &row.EncryptedFilename,
		&row.IVFiledata, &row.IVFilename, &row.SizeBytes, &row.UploaderIP,
		&row.CreatedAt, &row.ExpiresAt, &row.DownloadCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return FileRow{}, ErrNotFound
	}
	if err != nil {
		return FileRow{}, storageErr("ledger.get", err)
	}
	return row, nil
}

// Delete removes the row for a hash. Returns ErrNotFound when no live
// row was deleted, which makes a second delete of the same hash report
// NotFound rather than a second success.
func (l *Ledger) Delete(ctx context.Context, hash string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM files WHERE content_hash = $1 AND expires_at > $2`,
		hash, l.now(),
	)
	if err != nil {
		return storageErr("ledger.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("ledger.delete", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOwned removes the live row for a hash only if its stored admin
// key digest matches. The predicate makes verify-and-delete one atomic
// statement: a row deleted and re-created under the same hash between
// the caller's read and this call carries a different key, matches
// nothing, and stays. Zero rows affected reports ErrUnauthorized.
func (l *Ledger) DeleteOwned(ctx context.Context, hash, adminKeyHash string) error {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM files WHERE content_hash = $1 AND expires_at > $2 AND admin_key_hash = $3`,
		hash, l.now(), adminKeyHash,
	)
	if err != nil {
		return storageErr("ledger.delete_owned", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("ledger.delete_owned", err)
	}
	if affected == 0 {
		return ErrUnauthorized
	}
	return nil
}

// IncrementDownloads bumps the download counter for a hash. The counter
// only ever grows; a client abort after transfer-start does not undo it.
func (l *Ledger) IncrementDownloads(ctx context.Context, hash string) error {
	_, err := l.db.ExecContext(ctx,
		`UPDATE files SET download_count = download_count + 1 WHERE content_hash = $1`,
		hash,
	)
	if err != nil {
		return storageErr("ledger.increment", err)
	}
	return nil
}

// ListAll returns every live row ordered by creation time. Each call is
// a fresh snapshot; there is no cursor to resume across mutations.
func (l *Ledger) ListAll(ctx context.Context) ([]FileRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE expires_at > $1 ORDER BY created_at ASC`,
		l.now(),
	)
	if err != nil {
		return nil, storageErr("ledger.list", err)
	}
	defer rows.Close()

	var out []FileRow
	for rows.Next() {
		var row FileRow
		if err := rows.Scan(
			&row.ID, &row.ContentHash, &row.AdminKeyHash, &row.EncryptedFilename,
			&row.IVFiledata, &row.IVFilename, &row.SizeBytes, &row.UploaderIP,
			&row.CreatedAt, &row.ExpiresAt, &row.DownloadCount,
		); err != nil {
			return nil, storageErr("ledger.list_scan", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ledger.list", err)
	}
	return out, nil
}

// LiveBytes returns the byte sum over all live rows.
func (l *Ledger) LiveBytes(ctx context.Context) (int64, error) {
	var sum int64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size_bytes), 0) FROM files WHERE expires_at > $1`,
		l.now(),
	).Scan(&sum)
	if err != nil {
		return 0, storageErr("ledger.live_bytes", err)
	}
	return sum, nil
}

// ExpiredHashes returns up to limit content hashes whose rows have
// expired, oldest first. The sweep deletes them in small batches so it
// never starves live traffic.
func (l *Ledger) ExpiredHashes(ctx context.Context, limit int) ([]string, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT content_hash FROM files WHERE expires_at <= $1 ORDER BY expires_at ASC LIMIT $2`,
		l.now(), limit,
	)
	if err != nil {
		return nil, storageErr("ledger.expired", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storageErr("ledger.expired_scan", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("ledger.expired", err)
	}
	return hashes, nil
}

// DeleteExpired removes a single expired row by hash, regardless of
// expiry predicate direction. Used only by the sweep.
func (l *Ledger) DeleteExpired(ctx context.Context, hash string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM files WHERE content_hash = $1`, hash)
	if err != nil {
		return storageErr("ledger.delete_expired", err)
	}
	return nil
}

// HasRow reports whether any row (live or expired) references the hash.
// The sweep uses this to decide whether a stored blob is an orphan.
func (l *Ledger) HasRow(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM files WHERE content_hash = $1)`, hash,
	).Scan(&exists)
	if err != nil {
		return false, storageErr("ledger.has_row", err)
	}
	return exists, nil
}
