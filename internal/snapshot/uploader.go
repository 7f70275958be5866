// Package snapshot backs up the client database to S3-compatible storage.
// When no bucket is configured the NoopUploader is used and uploads are
// skipped, keeping the client in local-only mode.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hyperengineering/relay/internal/config"
)

// ErrNotConfigured is returned when backup storage is not configured.
var ErrNotConfigured = errors.New("backup storage not configured")

// Uploader uploads backups and generates pre-signed download URLs.
type Uploader interface {
	// Upload stores the file at filePath as the current backup of clientID.
	Upload(ctx context.Context, clientID string, filePath string) error

	// PresignedURL returns a pre-signed URL for downloading the backup.
	// Returns ErrNotConfigured when storage is not configured.
	PresignedURL(ctx context.Context, clientID string) (url string, expiry time.Time, err error)
}

// s3Client is the subset of *minio.Client used by S3Uploader.
type s3Client interface {
	FPutObject(ctx context.Context, bucket, objectName, filePath string) error
	PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error)
}

type minioClientWrapper struct {
	client *minio.Client
}

func (w *minioClientWrapper) FPutObject(ctx context.Context, bucket, objectName, filePath string) error {
	_, err := w.client.FPutObject(ctx, bucket, objectName, filePath, minio.PutObjectOptions{
		ContentType: "application/vnd.sqlite3",
	})
	return err
}

func (w *minioClientWrapper) PresignedGetObject(ctx context.Context, bucket, objectName string, expiry time.Duration) (*url.URL, error) {
	return w.client.PresignedGetObject(ctx, bucket, objectName, expiry, nil)
}

// S3Uploader uploads backups to S3-compatible storage.
type S3Uploader struct {
	client    s3Client
	bucket    string
	urlExpiry time.Duration
}

// Upload uploads the database copy at filePath for the given client.
func (u *S3Uploader) Upload(ctx context.Context, clientID string, filePath string) error {
	if err := u.client.FPutObject(ctx, u.bucket, objectKey(clientID), filePath); err != nil {
		return fmt.Errorf("upload backup to S3: %w", err)
	}
	return nil
}

// PresignedURL returns a pre-signed GET URL for the client's backup.
func (u *S3Uploader) PresignedURL(ctx context.Context, clientID string) (string, time.Time, error) {
	presigned, err := u.client.PresignedGetObject(ctx, u.bucket, objectKey(clientID), u.urlExpiry)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate pre-signed URL: %w", err)
	}
	return presigned.String(), time.Now().Add(u.urlExpiry), nil
}

// NoopUploader is used when backup storage is not configured.
type NoopUploader struct{}

// Upload returns ErrNotConfigured.
func (u *NoopUploader) Upload(ctx context.Context, clientID string, filePath string) error {
	return ErrNotConfigured
}

// PresignedURL returns ErrNotConfigured.
func (u *NoopUploader) PresignedURL(ctx context.Context, clientID string) (string, time.Time, error) {
	return "", time.Time{}, ErrNotConfigured
}

// NewUploader creates the appropriate Uploader based on configuration.
// Returns NoopUploader when bucket is empty, S3Uploader otherwise.
func NewUploader(cfg config.BackupConfig) (Uploader, error) {
	if cfg.Bucket == "" {
		return &NoopUploader{}, nil
	}

	useSSL := true
	if cfg.UseSSL != nil {
		useSSL = *cfg.UseSSL
	}
	endpoint := stripScheme(cfg.Endpoint, &useSSL)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create S3 client: %w", err)
	}

	return &S3Uploader{
		client:    &minioClientWrapper{client: client},
		bucket:    cfg.Bucket,
		urlExpiry: time.Duration(cfg.URLExpiry),
	}, nil
}

// stripScheme removes an http:// or https:// prefix from endpoint, which
// minio expects as a bare host[:port], and sets useSSL to match the scheme.
func stripScheme(endpoint string, useSSL *bool) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		*useSSL = true
		return strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		*useSSL = false
		return strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// objectKey returns the object key of a client's backup.
// Convention: {client_id}/backup/relay.db
func objectKey(clientID string) string {
	return clientID + "/backup/relay.db"
}
