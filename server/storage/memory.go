package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data         []byte
	contentType  string
	lastModified time.Time
}

// MemoryStore keeps objects in process memory. It backs local development
// (STORAGE_DRIVER=memory) and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	baseURL string
	buckets map[string]map[string]memoryObject
}

func NewMemoryStore(baseURL string) *MemoryStore {
	return &MemoryStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		buckets: make(map[string]map[string]memoryObject),
	}
}

func (s *MemoryStore) EnsureBuckets(ctx context.Context, buckets ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range buckets {
		if _, ok := s.buckets[b]; !ok {
			s.buckets[b] = make(map[string]memoryObject)
		}
	}
	return nil
}

func (s *MemoryStore) bucket(name string) map[string]memoryObject {
	b, ok := s.buckets[name]
	if !ok {
		b = make(map[string]memoryObject)
		s.buckets[name] = b
	}
	return b
}

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucket(bucket)[key] = memoryObject{data: data, contentType: contentType, lastModified: time.Now()}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Download(ctx context.Context, bucket, key, destPath string) error {
	rc, err := s.Get(ctx, bucket, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, rc); err != nil {
		return fmt.Errorf("download %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.buckets[bucket][key]
	return ok, nil
}

func (s *MemoryStore) Copy(ctx context.Context, bucket, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.buckets[bucket][srcKey]
	if !ok {
		return fmt.Errorf("copy %s/%s: %w", bucket, srcKey, ErrNotFound)
	}
	obj.lastModified = time.Now()
	s.bucket(bucket)[dstKey] = obj
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.buckets[bucket], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, bucket, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var objects []ObjectInfo
	for key, obj := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			objects = append(objects, ObjectInfo{
				Key:          key,
				Size:         int64(len(obj.data)),
				ContentType:  obj.contentType,
				LastModified: obj.lastModified,
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (s *MemoryStore) URL(bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", s.baseURL, bucket, key)
}

func (s *MemoryStore) PresignedURL(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("%s?expires=%d", s.URL(bucket, key), time.Now().Add(expiry).Unix()), nil
}
