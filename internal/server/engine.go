// engine.go - Lifecycle engine tying the ledger, blob store and
// session store together.
//
// Handlers translate HTTP to and from these methods; everything that
// must stay true regardless of transport lives here.
package server

import (
	"bytes"
	"context"
	"io"
	"time"
)

// Engine coordinates the upload/download lifecycle.
type Engine struct {
	cfg      Config
	ledger   *Ledger
	sessions *SessionStore
	blobs    BlobStore
	limiter  *RateLimiter
	audit    *AuditLog
	now      func() time.Time
}

// NewEngine wires the engine's collaborators.
func NewEngine(cfg Config, ledger *Ledger, sessions *SessionStore, blobs BlobStore, limiter *RateLimiter) *Engine {
	return &Engine{
		cfg:      cfg,
		ledger:   ledger,
		sessions: sessions,
		blobs:    blobs,
		limiter:  limiter,
		audit:    NewAuditLog(DefaultLogger),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// UploadReceipt is what the uploader gets back: the content hash that
// names the file and the admin key that authorises deleting it. The
// admin key appears here and nowhere else, ever.
type UploadReceipt struct {
	Hash      string    `json:"hash"`
	AdminKey  string    `json:"admin_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Upload stores a validated upload and returns its receipt.
//
// The blob is written before the row. If the row insert then fails the
// blob is removed again, except on a duplicate hash where the existing
// ledger entry already accounts for the identical bytes.
func (e *Engine) Upload(ctx context.Context, prefix IPPrefix, req *UploadRequest) (*UploadReceipt, error) {
	if !e.limiter.CheckAndRecord(prefix, CategoryUpload) {
		metricUploads.WithLabelValues("throttled").Inc()
		metricThrottled.WithLabelValues(string(CategoryUpload)).Inc()
		return nil, ErrThrottled
	}

	hash := hashBytes(req.FileData)
	adminKey, adminDigest, err := newAdminKey()
	if err != nil {
		return nil, err
	}

	size := int64(len(req.FileData))
	if err := e.blobs.Put(ctx, hash, bytes.NewReader(req.FileData), size); err != nil {
		metricUploads.WithLabelValues("error").Inc()
		return nil, err
	}

	now := e.now()
	row := FileRow{
		ContentHash:       hash,
		AdminKeyHash:      adminDigest,
		EncryptedFilename: req.EncryptedFilename,
		IVFiledata:        req.IVFiledata,
		IVFilename:        req.IVFilename,
		SizeBytes:         size,
		UploaderIP:        prefix.String(),
		CreatedAt:         now,
		ExpiresAt:         now.Add(req.Lifetime),
	}
	if err := e.ledger.Put(ctx, row, e.cfg.MaxQuotaBytes); err != nil {
		switch err {
		case ErrDuplicateHash:
			// The blob is content-addressed; the existing row owns it.
			metricUploads.WithLabelValues("duplicate").Inc()
		case ErrQuotaExceeded:
			metricUploads.WithLabelValues("quota").Inc()
			e.removeBlobQuietly(ctx, hash)
		default:
			metricUploads.WithLabelValues("error").Inc()
			e.removeBlobQuietly(ctx, hash)
		}
		return nil, err
	}

	metricUploads.WithLabelValues("created").Inc()
	e.audit.Record(ctx, "upload", hash, map[string]any{
		"size":       size,
		"expires_at": row.ExpiresAt.Format(time.RFC3339),
		"uploader":   prefix.Pretty(),
	})
	return &UploadReceipt{Hash: hash, AdminKey: adminKey, ExpiresAt: row.ExpiresAt}, nil
}

// removeBlobQuietly deletes a blob the ledger rejected. Failure here
// leaves an orphan the sweep reclaims later, so it only warrants a log.
func (e *Engine) removeBlobQuietly(ctx context.Context, hash string) {
	if err := e.blobs.Remove(ctx, hash); err != nil {
		Warn("orphaned blob left for sweep", map[string]any{"hash": hash, "error": err.Error()})
	}
}

// Download opens the blob behind a live ledger row and returns the row,
// the body and its length. The download counter is bumped once the blob
// is confirmed readable, so a row/blob mismatch does not inflate it.
func (e *Engine) Download(ctx context.Context, hash string) (FileRow, io.ReadCloser, int64, error) {
	row, err := e.ledger.Get(ctx, hash)
	if err != nil {
		return FileRow{}, nil, 0, err
	}
	body, size, err := e.blobs.Get(ctx, hash)
	if err != nil {
		return FileRow{}, nil, 0, err
	}
	if err := e.ledger.IncrementDownloads(ctx, hash); err != nil {
		Warn("download counter not incremented", map[string]any{"hash": hash, "error": err.Error()})
	}
	metricDownloads.Inc()
	return row, body, size, nil
}

// Metadata returns the live row for a hash. Used by the public metadata
// view; the handler decides which columns to expose.
func (e *Engine) Metadata(ctx context.Context, hash string) (FileRow, error) {
	return e.ledger.Get(ctx, hash)
}

// authorizeMutation accepts either the file's admin key or a live site
// session. Both checks run against digests in constant time.
func (e *Engine) authorizeMutation(ctx context.Context, row FileRow, adminKey, sessionToken string) error {
	if adminKey != "" && digestsEqual(digestPresented(adminKey), row.AdminKeyHash) {
		return nil
	}
	if sessionToken != "" {
		ok, err := e.sessions.Validate(ctx, sessionToken)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return ErrUnauthorized
}

// Delete removes a file if the caller presents its admin key or a live
// site session. The row goes first; the blob removal is best effort.
//
// A key-authorized delete re-asserts the key inside the DELETE itself,
// so the row whose key was verified is the only row the statement can
// remove. Without that, the hash could be deleted and re-uploaded by a
// new owner between the read and the delete, and the stale key would
// remove the new owner's row. A site session is not row-bound, so the
// session path keeps the plain statement.
func (e *Engine) Delete(ctx context.Context, hash, adminKey, sessionToken string) error {
	row, err := e.ledger.Get(ctx, hash)
	if err != nil {
		return err
	}

	switch {
	case adminKey != "" && digestsEqual(digestPresented(adminKey), row.AdminKeyHash):
		err = e.ledger.DeleteOwned(ctx, hash, row.AdminKeyHash)
	case sessionToken != "":
		ok, verr := e.sessions.Validate(ctx, sessionToken)
		if verr != nil {
			return verr
		}
		if !ok {
			return ErrUnauthorized
		}
		err = e.ledger.Delete(ctx, hash)
	default:
		return ErrUnauthorized
	}
	if err != nil {
		return err
	}

	e.removeBlobQuietly(ctx, hash)
	e.audit.Record(ctx, "delete", hash, nil)
	return nil
}

// AdminLogin exchanges the site password for a session token. A long
// login stretches the session to the extended TTL.
func (e *Engine) AdminLogin(ctx context.Context, password string, long bool) (string, time.Time, error) {
	ttl := e.cfg.SessionTTL
	if long {
		ttl = e.cfg.SessionTTLLong
	}
	token, expires, err := e.sessions.Login(ctx, password, e.cfg.AdminPasswordHash, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	e.audit.Record(ctx, "admin_login", "", map[string]any{"long": long})
	return token, expires, nil
}

// AdminLogout revokes the presented session token.
func (e *Engine) AdminLogout(ctx context.Context, token string) error {
	return e.sessions.Logout(ctx, token)
}

// AdminOverview is the site-wide view a logged-in admin gets.
type AdminOverview struct {
	Files      []FileRow
	LiveBytes  int64
	QuotaBytes int64
}

// AdminList returns every live file plus quota usage. Requires a live
// site session.
func (e *Engine) AdminList(ctx context.Context, sessionToken string) (*AdminOverview, error) {
	ok, err := e.sessions.Validate(ctx, sessionToken)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnauthorized
	}
	files, err := e.ledger.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	live, err := e.ledger.LiveBytes(ctx)
	if err != nil {
		return nil, err
	}
	return &AdminOverview{Files: files, LiveBytes: live, QuotaBytes: e.cfg.MaxQuotaBytes}, nil
}
