package cache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache stores JSON-encoded values. Get decodes into dest, which must be a
// pointer.
type Cache interface {
	Set(ctx context.Context, key string, value interface{}) error

	SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	Get(ctx context.Context, key string, dest interface{}) error

	Delete(ctx context.Context, key string) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Backend   string `json:"backend"`
	Info      string `json:"info"`
}

func GenerateCacheKey(components ...string) string {
	h := sha256.New()
	for _, component := range components {
		h.Write([]byte(component))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
