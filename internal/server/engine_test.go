package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBlobStore is an in-memory BlobStore for engine tests.
type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	removed  []string
	putErr   error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{
		objects:  make(map[string][]byte),
		modified: make(map[string]time.Time),
	}
}

func (f *fakeBlobStore) Put(ctx context.Context, hash string, r io.Reader, size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.objects[hash] = data
	f.modified[hash] = time.Now().UTC()
	return nil
}

func (f *fakeBlobStore) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[hash]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (f *fakeBlobStore) Remove(ctx context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, hash)
	delete(f.modified, hash)
	f.removed = append(f.removed, hash)
	return nil
}

func (f *fakeBlobStore) List(ctx context.Context, fn func(hash string, modified time.Time) error) error {
	f.mu.Lock()
	snapshot := make(map[string]time.Time, len(f.modified))
	for h, m := range f.modified {
		snapshot[h] = m
	}
	f.mu.Unlock()
	for h, m := range snapshot {
		if err := fn(h, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeBlobStore) has(hash string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[hash]
	return ok
}

func testEngine(t *testing.T) (*Engine, sqlmock.Sqlmock, *fakeBlobStore, time.Time) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cfg := Config{
		MaxFileBytes:  1 << 20,
		MaxQuotaBytes: 10000,
		SessionTTL:    24 * time.Hour,
	}

	ledger := NewLedger(db)
	ledger.now = func() time.Time { return now }
	sessions := NewSessionStore(db)
	sessions.now = func() time.Time { return now }
	blobs := newFakeBlobStore()
	limiter := NewRateLimiter(map[LimitCategory]LimitRule{
		CategoryUpload: {Ceiling: 2, Window: time.Hour},
	})

	eng := NewEngine(cfg, ledger, sessions, blobs, limiter)
	eng.now = func() time.Time { return now }
	return eng, mock, blobs, now
}

func testUploadReq() *UploadRequest {
	return &UploadRequest{
		EncryptedFilename: []byte("e-name"),
		FileData:          []byte("encrypted-file-bytes"),
		IVFiledata:        []byte("abcdefghijkl"),
		IVFilename:        []byte("mnopqrstuvwx"),
		Lifetime:          24 * time.Hour,
	}
}

func expectLedgerInsert(mock sqlmock.Sqlmock, now time.Time, liveBytes int64) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(size_bytes\), 0\) FROM files`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(liveBytes))
	mock.ExpectExec("INSERT INTO files").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestEngineUpload_Success(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	req := testUploadReq()
	prefix := PrefixFromAddr(netip.MustParseAddr("192.168.1.1"))

	expectLedgerInsert(mock, now, 0)

	receipt, err := eng.Upload(context.Background(), prefix, req)

	require.NoError(t, err)
	assert.Equal(t, hashBytes(req.FileData), receipt.Hash)
	assert.Equal(t, now.Add(24*time.Hour), receipt.ExpiresAt)
	assert.True(t, blobs.has(receipt.Hash), "blob should be stored under the content hash")
	assert.NotEmpty(t, receipt.AdminKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineUpload_Throttled(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	prefix := PrefixFromAddr(netip.MustParseAddr("192.168.1.1"))

	expectLedgerInsert(mock, now, 0)
	_, err := eng.Upload(context.Background(), prefix, testUploadReq())
	require.NoError(t, err)

	expectLedgerInsert(mock, now, 20)
	req2 := testUploadReq()
	req2.FileData = []byte("different-bytes")
	_, err = eng.Upload(context.Background(), prefix, req2)
	require.NoError(t, err)

	// Third upload from the same prefix hits the ceiling of 2. No blob
	// must be written for a throttled attempt.
	req3 := testUploadReq()
	req3.FileData = []byte("yet-more-bytes")
	_, err = eng.Upload(context.Background(), prefix, req3)

	assert.ErrorIs(t, err, ErrThrottled)
	assert.False(t, blobs.has(hashBytes(req3.FileData)))
}

func TestEngineUpload_QuotaRemovesBlob(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	req := testUploadReq()
	hash := hashBytes(req.FileData)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(size_bytes\), 0\) FROM files`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(9999))
	mock.ExpectRollback()

	_, err := eng.Upload(context.Background(), PrefixFromAddr(netip.MustParseAddr("10.0.0.1")), req)

	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.False(t, blobs.has(hash), "rejected upload must not leave its blob behind")
}

func TestEngineUpload_DuplicateKeepsBlob(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	req := testUploadReq()
	hash := hashBytes(req.FileData)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(size_bytes\), 0\) FROM files`).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(20))
	mock.ExpectExec("INSERT INTO files").
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	_, err := eng.Upload(context.Background(), PrefixFromAddr(netip.MustParseAddr("10.0.0.1")), req)

	assert.ErrorIs(t, err, ErrDuplicateHash)
	// The bytes are identical to the live file's; the existing row owns
	// the object, so it must stay.
	assert.True(t, blobs.has(hash))
}

func ledgerRowColumns() []string {
	return []string{
		"id", "content_hash", "admin_key_hash", "encrypted_filename", "iv_filedata",
		"iv_filename", "size_bytes", "uploader_ip", "created_at", "expires_at", "download_count",
	}
}

func expectGetRow(mock sqlmock.Sqlmock, now time.Time, row FileRow) {
	mock.ExpectQuery("SELECT (.+) FROM files WHERE content_hash").
		WithArgs(row.ContentHash, now).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns()).AddRow(
			row.ID, row.ContentHash, row.AdminKeyHash, row.EncryptedFilename,
			row.IVFiledata, row.IVFilename, row.SizeBytes, row.UploaderIP,
			row.CreatedAt, row.ExpiresAt, row.DownloadCount,
		))
}

func TestEngineDownload(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	row := testRow(now)
	require.NoError(t, blobs.Put(context.Background(), row.ContentHash,
		bytes.NewReader([]byte("some ciphertext")), 15))

	expectGetRow(mock, now, row)
	mock.ExpectExec("UPDATE files SET download_count = download_count").
		WithArgs(row.ContentHash).
		WillReturnResult(sqlmock.NewResult(0, 1))

	got, body, size, err := eng.Download(context.Background(), row.ContentHash)
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "some ciphertext", string(data))
	assert.Equal(t, int64(15), size)
	assert.Equal(t, row.ContentHash, got.ContentHash)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineDownload_MissingRow(t *testing.T) {
	eng, mock, _, now := testEngine(t)
	hash := hashBytes([]byte("nothing here"))

	mock.ExpectQuery("SELECT (.+) FROM files WHERE content_hash").
		WithArgs(hash, now).
		WillReturnRows(sqlmock.NewRows(ledgerRowColumns()))

	_, _, _, err := eng.Download(context.Background(), hash)

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineDownload_MissingBlobDoesNotCount(t *testing.T) {
	eng, mock, _, now := testEngine(t)
	row := testRow(now)

	// Row exists but the blob is gone: the counter must not move, so no
	// UPDATE is expected.
	expectGetRow(mock, now, row)

	_, _, _, err := eng.Download(context.Background(), row.ContentHash)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineDelete_AdminKey(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)

	plaintext, digest, err := newAdminKey()
	require.NoError(t, err)
	row := testRow(now)
	row.AdminKeyHash = digest
	require.NoError(t, blobs.Put(context.Background(), row.ContentHash,
		bytes.NewReader([]byte("x")), 1))

	expectGetRow(mock, now, row)
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WithArgs(row.ContentHash, now, digest).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = eng.Delete(context.Background(), row.ContentHash, plaintext, "")

	require.NoError(t, err)
	assert.False(t, blobs.has(row.ContentHash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineDelete_StaleKeyAfterHashReuse(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)

	plaintext, digest, err := newAdminKey()
	require.NoError(t, err)
	row := testRow(now)
	row.AdminKeyHash = digest
	require.NoError(t, blobs.Put(context.Background(), row.ContentHash,
		bytes.NewReader([]byte("x")), 1))

	// The read sees the caller's row, but by the time the conditioned
	// DELETE runs the hash belongs to a fresh upload with a different key.
	// The key predicate matches nothing, so the new owner's row and blob
	// both survive.
	expectGetRow(mock, now, row)
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WithArgs(row.ContentHash, now, digest).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = eng.Delete(context.Background(), row.ContentHash, plaintext, "")

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, blobs.has(row.ContentHash))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEngineDelete_WrongKey(t *testing.T) {
	eng, mock, blobs, now := testEngine(t)
	row := testRow(now)
	require.NoError(t, blobs.Put(context.Background(), row.ContentHash,
		bytes.NewReader([]byte("x")), 1))

	otherKey, _, err := newAdminKey()
	require.NoError(t, err)

	expectGetRow(mock, now, row)

	err = eng.Delete(context.Background(), row.ContentHash, otherKey, "")

	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, blobs.has(row.ContentHash), "unauthorized delete must not touch the blob")
}

func TestEngineDelete_SiteSession(t *testing.T) {
	eng, mock, _, now := testEngine(t)
	row := testRow(now)

	token, digest, err := newSessionToken()
	require.NoError(t, err)

	expectGetRow(mock, now, row)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(digest, now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("DELETE FROM files WHERE content_hash").
		WithArgs(row.ContentHash, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, eng.Delete(context.Background(), row.ContentHash, "", token))
}

func TestEngineAdminList_RequiresSession(t *testing.T) {
	eng, mock, _, now := testEngine(t)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(sqlmock.AnyArg(), now).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := eng.AdminList(context.Background(), "bogus-token")

	assert.ErrorIs(t, err, ErrUnauthorized)
}

var errBlobDown = errors.New("blob store unavailable")

func TestEngineUpload_BlobFailure(t *testing.T) {
	eng, mock, blobs, _ := testEngine(t)
	blobs.putErr = errBlobDown

	_, err := eng.Upload(context.Background(),
		PrefixFromAddr(netip.MustParseAddr("10.0.0.1")), testUploadReq())

	assert.ErrorIs(t, err, errBlobDown)
	// The ledger was never reached.
	assert.NoError(t, mock.ExpectationsWereMet())
}
