// Package objectstore wraps MinIO/S3 interactions for captured page images.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/scanvault/scanvault/internal/config"
)

// ErrUnauthorized marks put failures the uploader must not retry: the
// credentials or bucket policy are wrong and backing off will not fix them.
var ErrUnauthorized = errors.New("object storage unauthorized")

// PageKey derives the deterministic object key for a page. Re-uploading the
// same (session, index) pair always lands on the same key, so retries
// overwrite instead of orphaning objects.
func PageKey(sessionID string, index int, ext string) string {
	return fmt.Sprintf("sessions/%s/page-%03d%s", sessionID, index, ext)
}

// Store is a MinIO-backed page store.
type Store struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO client from the Config.
func New(cfg *config.Config) (*Store, error) {
	client, err := minio.New(cfg.S3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3UseSSL,
		Region: cfg.S3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.PageBucket,
		region: cfg.S3Region,
	}, nil
}

// Bucket returns the page bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// EnsureBucket makes sure the page bucket exists before use.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			return fmt.Errorf("make bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// PutPage uploads one page under key and returns its remote reference.
// Putting the same key twice overwrites; the store never duplicates.
func (s *Store) PutPage(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error) {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := s.client.PutObject(ctx, s.bucket, key, reader, size, opts); err != nil {
		if isAuthError(err) {
			return "", fmt.Errorf("put page %s: %w", key, ErrUnauthorized)
		}
		return "", fmt.Errorf("put page %s: %w", key, err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GetPage fetches page bytes, used by the OCR worker.
func (s *Store) GetPage(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get page %s: %w", key, err)
	}
	defer obj.Close()
	buf, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read page %s: %w", key, err)
	}
	return buf, nil
}

// PresignPageURL returns a signed GET URL for a stored page.
func (s *Store) PresignPageURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign page %s: %w", key, err)
	}
	return u.String(), nil
}

func isAuthError(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "AccountProblem":
		return true
	}
	return false
}
