package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	client *miniogo.Client
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	return &MinioStore{client: client}, nil
}

func (s *MinioStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	for _, bucket := range buckets {
		exists, err := s.client.BucketExists(ctx, bucket)
		if err != nil {
			return fmt.Errorf("check bucket %s: %w", bucket, err)
		}
		if !exists {
			if err := s.client.MakeBucket(ctx, bucket, miniogo.MakeBucketOptions{}); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
	}
	return nil
}

func (s *MinioStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, bucket, key, r, size, miniogo.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	// GetObject is lazy, stat first so a missing key surfaces here.
	if _, err := s.client.StatObject(ctx, bucket, key, miniogo.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
	}

	obj, err := s.client.GetObject(ctx, bucket, key, miniogo.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return obj, nil
}

func (s *MinioStore) Download(ctx context.Context, bucket, key, destPath string) error {
	if err := s.client.FGetObject(ctx, bucket, key, destPath, miniogo.GetObjectOptions{}); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("download %s/%s: %w", bucket, key, ErrNotFound)
		}
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, bucket, key, miniogo.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat %s/%s: %w", bucket, key, err)
}

func (s *MinioStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		miniogo.CopyDestOptions{Bucket: bucket, Object: dstKey},
		miniogo.CopySrcOptions{Bucket: bucket, Object: srcKey},
	)
	if err != nil {
		if isNotFound(err) {
			return fmt.Errorf("copy %s/%s: %w", bucket, srcKey, ErrNotFound)
		}
		return fmt.Errorf("copy %s/%s to %s: %w", bucket, srcKey, dstKey, err)
	}
	return nil
}

func (s *MinioStore) Delete(ctx context.Context, bucket, key string) error {
	if err := s.client.RemoveObject(ctx, bucket, key, miniogo.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MinioStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, miniogo.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, obj.Err)
		}
		objects = append(objects, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
	}
	return objects, nil
}

func (s *MinioStore) URL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", s.client.EndpointURL().String(), bucket, key)
}

func (s *MinioStore) PresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s/%s: %w", bucket, key, err)
	}
	return u.String(), nil
}

func isNotFound(err error) bool {
	resp := miniogo.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
