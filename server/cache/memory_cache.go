package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryCache is a bounded LRU used when Redis is not configured. Entries
// expire lazily on read and in a periodic sweep.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	maxSize int
	ttl     time.Duration
	hits    int64
	misses  int64
	logger  *zap.Logger

	sweep *time.Ticker
	done  chan struct{}
	once  sync.Once
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache(maxSize int, ttl time.Duration, logger *zap.Logger) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}

	c := &MemoryCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		logger:  logger,
		sweep:   time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}
	go c.sweepExpired()

	return c
}

func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}) error {
	return c.SetWithTTL(ctx, key, value, c.ttl)
}

func (c *MemoryCache) SetWithTTL(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode cache value: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(ttl)
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = data
		entry.expiresAt = expiresAt
		c.order.MoveToFront(el)
		return nil
	}

	c.entries[key] = c.order.PushFront(&memoryEntry{key: key, value: data, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok || time.Now().After(el.Value.(*memoryEntry).expiresAt) {
		if ok {
			c.remove(el)
		}
		c.misses++
		c.mu.Unlock()
		return ErrCacheMiss
	}
	c.order.MoveToFront(el)
	c.hits++
	data := el.Value.(*memoryEntry).value
	c.mu.Unlock()

	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("failed to decode cache value: %w", err)
	}
	return nil
}

func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	return nil
}

func (c *MemoryCache) GetStats(ctx context.Context) (*CacheStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &CacheStats{
		Connected: true,
		Backend:   "memory",
		Info: fmt.Sprintf("entries=%d,max=%d,hits=%d,misses=%d",
			c.order.Len(), c.maxSize, c.hits, c.misses),
	}, nil
}

func (c *MemoryCache) Close() error {
	c.once.Do(func() {
		c.sweep.Stop()
		close(c.done)
	})
	return nil
}

// remove must be called with mu held.
func (c *MemoryCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*memoryEntry).key)
}

func (c *MemoryCache) sweepExpired() {
	for {
		select {
		case now := <-c.sweep.C:
			c.mu.Lock()
			removed := 0
			for el := c.order.Back(); el != nil; {
				prev := el.Prev()
				if now.After(el.Value.(*memoryEntry).expiresAt) {
					c.remove(el)
					removed++
				}
				el = prev
			}
			c.mu.Unlock()
			if removed > 0 {
				c.logger.Debug("Swept expired cache entries", zap.Int("count", removed))
			}
		case <-c.done:
			return
		}
	}
}
