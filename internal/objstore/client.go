// Package objstore wraps the MinIO client used for script bodies. Script
// objects are addressed by <project_storage_prefix>/<script_object_key>
// (spec §4.1/§4.6) and are content-addressed by ScriptSHA256, so downloads
// can be verified before either the Sandbox or the Verifier executes them.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/voltask/voltask/internal/apperr"
)

// Config is the subset of scheduler configuration objstore needs.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Client is a thin, bucket-scoped wrapper over the MinIO SDK.
type Client struct {
	mc     *minio.Client
	bucket string

	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
}

// Stats is a point-in-time read of cumulative object traffic through this
// Client, fed to the dashboard's storage_io panel.
type Stats struct {
	BytesUploaded   int64
	BytesDownloaded int64
}

// Stats returns the running upload/download byte totals.
func (c *Client) Stats() Stats {
	return Stats{
		BytesUploaded:   c.bytesUploaded.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
	}
}

// New constructs a Client from Config.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("objstore: endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("objstore: access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: new client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = "voltask"
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the configured bucket if it does not already exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objstore: check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("objstore: create bucket: %w", err)
		}
	}
	return nil
}

// ScriptKey joins a project's storage prefix and a task type's script
// object key the way spec §4.1 defines script addressing.
func ScriptKey(storagePrefix, scriptObjectKey string) string {
	return storagePrefix + "/" + scriptObjectKey
}

// Upload stores a script body and returns its SHA-256, which the caller
// records as TaskType.ScriptSHA256.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	sum := sha256.Sum256(body)
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("objstore: upload %s: %w", key, err)
	}
	c.bytesUploaded.Add(int64(len(body)))
	return hex.EncodeToString(sum[:]), nil
}

// DownloadVerified fetches an object and rejects it if its SHA-256 does not
// match expectedSHA256, so a corrupted or tampered script body is never
// handed to the Sandbox. Returns apperr.DataIntegrity on mismatch.
func (c *Client) DownloadVerified(ctx context.Context, key, expectedSHA256 string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: download %s: %w", key, err)
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", key, err)
	}

	sum := sha256.Sum256(body)
	actual := hex.EncodeToString(sum[:])
	if expectedSHA256 != "" && actual != expectedSHA256 {
		return nil, apperr.DataIntegrityf("script_hash_mismatch", "object %s: expected sha256 %s, got %s", key, expectedSHA256, actual)
	}
	c.bytesDownloaded.Add(int64(len(body)))
	return body, nil
}

// Exists checks whether an object is present without downloading it.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("objstore: stat %s: %w", key, err)
	}
	return true, nil
}

// Delete removes an object.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

// RemovePrefix lists every object under prefix and removes them one by
// one, continuing past individual failures so a project deletion isn't
// blocked by one bad object; it returns the first error encountered, if
// any, after attempting the rest.
func (c *Client) RemovePrefix(ctx context.Context, prefix string) error {
	var firstErr error
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			if firstErr == nil {
				firstErr = obj.Err
			}
			continue
		}
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("objstore: remove prefix %s: %w", prefix, firstErr)
	}
	return nil
}
