// Package storage addresses visit artifacts (videos, annotated frames and
// report PDFs) in an S3-compatible object store.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("object not found")

type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

type BlobStore interface {
	EnsureBuckets(ctx context.Context, buckets ...string) error
	Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Download(ctx context.Context, bucket, key, destPath string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Copy is a server-side copy and returns once the destination exists.
	Copy(ctx context.Context, bucket, srcKey, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error)
	URL(bucket, key string) string
	PresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}
