// blobstore.go - Content-addressed blob storage on MinIO.
//
// Objects live under "blobs/<content-hash>". Writes are idempotent by
// construction: the same ciphertext always lands on the same key, so a
// duplicate upload overwrites byte-identical data.
package server

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const blobPrefix = "blobs/"

// BlobStore is the engine's view of the content store. The MinIO-backed
// implementation is the only production one; tests substitute a fake.
type BlobStore interface {
	Put(ctx context.Context, hash string, r io.Reader, size int64) error
	Get(ctx context.Context, hash string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, hash string) error
	// List streams every stored hash with its last-modified time to fn;
	// used by the sweep to reconcile orphans.
	List(ctx context.Context, fn func(hash string, modified time.Time) error) error
}

// minioStore implements BlobStore on a MinIO bucket.
type minioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and verifies that the bucket exists.
// The endpoint may carry an http/https scheme or be a bare host:port.
func NewMinioStore(ctx context.Context, cfg Config) (BlobStore, error) {
	endpoint, secure, err := normaliseEndpoint(cfg.S3Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("bucket does not exist: %s", cfg.Bucket)
	}

	return &minioStore{client: client, bucket: cfg.Bucket}, nil
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// No scheme, treat as host:port (insecure by default for local MinIO).
	return raw, false, nil
}

func (s *minioStore) Put(ctx context.Context, hash string, r io.Reader, size int64) error {
	_, err := s.client.PutObject(ctx, s.bucket, blobPrefix+hash, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return storageErr("blob.put", err)
	}
	return nil
}

func (s *minioStore) Get(ctx context.Context, hash string) (io.ReadCloser, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, blobPrefix+hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, storageErr("blob.get", err)
	}

	// Force an early error for a missing object so callers can fail
	// before writing response headers.
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, 0, ErrNotFound
		}
		return nil, 0, storageErr("blob.stat", err)
	}

	return obj, stat.Size, nil
}

func (s *minioStore) Remove(ctx context.Context, hash string) error {
	err := s.client.RemoveObject(ctx, s.bucket, blobPrefix+hash, minio.RemoveObjectOptions{})
	if err != nil {
		return storageErr("blob.remove", err)
	}
	return nil
}

func (s *minioStore) List(ctx context.Context, fn func(hash string, modified time.Time) error) error {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: blobPrefix})
	for obj := range objects {
		if obj.Err != nil {
			return storageErr("blob.list", obj.Err)
		}
		hash := strings.TrimPrefix(obj.Key, blobPrefix)
		if err := fn(hash, obj.LastModified); err != nil {
			return err
		}
	}
	return nil
}
