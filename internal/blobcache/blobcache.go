// Package blobcache stores certificate and chain bytes keyed by their
// content hash, so a restart or another monitor instance never needs to
// re-fetch bytes a log has already handed over once.
package blobcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ctmon.dev/internal/dbhash"
)

// Cache stores opaque blobs keyed by their dbhash content hash.
type Cache interface {
	Get(ctx context.Context, key dbhash.Hash) ([]byte, bool, error)
	Put(ctx context.Context, key dbhash.Hash, data []byte) error
}

func keyPath(key dbhash.Hash) string {
	return fmt.Sprintf("%x", key[:])
}

// ------------------------------------------------------------

// S3Cache stores blobs in an S3-compatible bucket.
type S3Cache struct {
	client *s3.Client
	bucket string
}

// NewS3Cache builds an S3Cache against an S3-compatible endpoint using
// static credentials, matching how the rest of the ambient stack talks to
// S3-compatible blob stores (MinIO in tests, a real bucket in production).
func NewS3Cache(region, bucket, endpoint, accessKey, secretKey string) *S3Cache {
	cfg := aws.Config{
		Credentials:  credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		BaseEndpoint: aws.String(endpoint),
		Region:       region,
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return &S3Cache{client: client, bucket: bucket}
}

func (c *S3Cache) Get(ctx context.Context, key dbhash.Hash) ([]byte, bool, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(keyPath(key)),
	})
	if err != nil {
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) && respErr.ResponseError.HTTPStatusCode() == http.StatusNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("blobcache: s3 get: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("blobcache: s3 get: %w", err)
	}
	return data, true, nil
}

func (c *S3Cache) Put(ctx context.Context, key dbhash.Hash, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(keyPath(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("blobcache: s3 put: %w", err)
	}
	return nil
}

// ------------------------------------------------------------

// FsCache stores blobs as files under a root directory, sharded two levels
// deep by the hex key's first four characters to keep any one directory
// from accumulating millions of entries.
type FsCache struct {
	root string
}

// NewFsCache builds an FsCache rooted at a directory.
func NewFsCache(root string) *FsCache {
	return &FsCache{root: root}
}

func (f *FsCache) path(key dbhash.Hash) string {
	hex := keyPath(key)
	return filepath.Join(f.root, hex[0:2], hex[2:4], hex)
}

func (f *FsCache) Get(ctx context.Context, key dbhash.Hash) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("blobcache: fs get: %w", err)
	}
	return data, true, nil
}

func (f *FsCache) Put(ctx context.Context, key dbhash.Hash, data []byte) error {
	path := f.path(key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("blobcache: fs put: %w", err)
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return fmt.Errorf("blobcache: fs put: create directories: %w", mkErr)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("blobcache: fs put: %w", err)
		}
	}
	return nil
}

// ------------------------------------------------------------

// NoCache discards every write and always misses on read. Selected when
// BELVI_NO_CACHE is set, for environments (CI, one-off backfills) where
// paying for blob storage round-trips isn't worth it.
type NoCache struct{}

func (NoCache) Get(ctx context.Context, key dbhash.Hash) ([]byte, bool, error) { return nil, false, nil }
func (NoCache) Put(ctx context.Context, key dbhash.Hash, data []byte) error    { return nil }
