package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type entry struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache(10, time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry{Name: "a", Items: []string{"x", "y"}}))

	var got entry
	require.NoError(t, c.Get(ctx, "k", &got))
	assert.Equal(t, "a", got.Name)
	assert.Equal(t, []string{"x", "y"}, got.Items)

	require.NoError(t, c.Delete(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &got), ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache(10, time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "short", 1, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	var v int
	assert.ErrorIs(t, c.Get(ctx, "short", &v), ErrCacheMiss)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(2, time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "b", 2))

	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	require.NoError(t, c.Set(ctx, "c", 3))

	assert.NoError(t, c.Get(ctx, "a", &v))
	assert.ErrorIs(t, c.Get(ctx, "b", &v), ErrCacheMiss)
	assert.NoError(t, c.Get(ctx, "c", &v))

	stats, err := c.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", stats.Backend)
	assert.Equal(t, "entries=2,max=2,hits=3,misses=1", stats.Info)
}

func TestMemoryCacheOverwriteKeepsSize(t *testing.T) {
	c := NewMemoryCache(2, time.Minute, zap.NewNop())
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", 1))
	require.NoError(t, c.Set(ctx, "a", 2))
	require.NoError(t, c.Set(ctx, "b", 3))

	var v int
	require.NoError(t, c.Get(ctx, "a", &v))
	assert.Equal(t, 2, v)
	require.NoError(t, c.Get(ctx, "b", &v))
	assert.Equal(t, 3, v)
}

func TestGenerateCacheKeySeparatesComponents(t *testing.T) {
	assert.NotEqual(t, GenerateCacheKey("ab", "c"), GenerateCacheKey("a", "bc"))
	assert.Equal(t, GenerateCacheKey("a", "b"), GenerateCacheKey("a", "b"))
}
