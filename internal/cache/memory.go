package cache

import (
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryTTL    = time.Hour
	defaultMaxEntries   = 10000
	memoryCleanupPeriod = 5 * time.Minute
)

type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL and a size cap.
// When full, Set drops expired entries first and then refuses new keys
// until room frees up.
type MemoryCache struct {
	mu         sync.RWMutex
	items      map[string]memItem
	maxEntries int
	now        func() time.Time

	done chan struct{}
	once sync.Once
}

// NewMemoryCache starts the cleanup loop, which stops on ctx cancellation or
// Close. maxEntries <= 0 selects the default cap.
func NewMemoryCache(ctx context.Context, maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	c := &MemoryCache{
		items:      make(map[string]memItem),
		maxEntries: maxEntries,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}
	return item.data, true
}

// Set stores value under key. A non-positive ttl means one hour.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultMemoryTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.maxEntries {
		c.evictExpiredLocked()
		if len(c.items) >= c.maxEntries {
			return nil
		}
	}

	c.items[key] = memItem{data: value, expiresAt: c.now().Add(ttl)}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Len includes entries that have expired but not yet been evicted.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine. It is safe to call twice.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(memoryCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.mu.Unlock()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpiredLocked() {
	now := c.now()
	for k, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, k)
		}
	}
}
