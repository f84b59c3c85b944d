// internal/storage/store_cache.go
package storage

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultCacheTTL = 5 * time.Minute

// artifactCache 产物文件的内存读缓存
// 条目按写入时间过期，容量超限时按最久未读淘汰
type artifactCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	ttl     time.Duration
}

// cacheEntry 缓存条目
type cacheEntry struct {
	data     []byte
	cachedAt time.Time
	lastRead time.Time
}

// newArtifactCache 创建产物缓存
func newArtifactCache(maxSize int, ttl time.Duration) *artifactCache {
	if maxSize <= 0 {
		maxSize = 100
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &artifactCache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

// Get 命中且未过期时返回缓存内容
func (c *artifactCache) Get(path string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	if !ok || time.Since(entry.cachedAt) > c.ttl {
		c.mu.RUnlock()
		return nil, false
	}
	data := entry.data
	c.mu.RUnlock()

	// 更新最后读取时间供LRU淘汰使用
	c.mu.Lock()
	entry.lastRead = time.Now()
	c.mu.Unlock()

	return data, true
}

// Put 写入缓存，容量超限时淘汰约20%最久未读的条目
func (c *artifactCache) Put(path string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.entries[path] = &cacheEntry{
		data:     data,
		cachedAt: now,
		lastRead: now,
	}

	if len(c.entries) > c.maxSize {
		c.evictLRU(max(1, c.maxSize/5))
	}
}

// Invalidate 清除指定路径的缓存
func (c *artifactCache) Invalidate(path string) {
	c.mu.Lock()
	delete(c.entries, path)
	c.mu.Unlock()
}

// InvalidatePrefix 清除指定前缀的全部缓存条目
func (c *artifactCache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for path := range c.entries {
		if strings.HasPrefix(path, prefix) {
			delete(c.entries, path)
		}
	}
}

// StartCleanup 启动周期性过期清理
func (c *artifactCache) StartCleanup() {
	go func() {
		ticker := time.NewTicker(2 * time.Minute)
		defer ticker.Stop()

		for range ticker.C {
			c.removeExpired()
		}
	}()
}

// removeExpired 清理过期条目
func (c *artifactCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for path, entry := range c.entries {
		if now.Sub(entry.cachedAt) > c.ttl {
			delete(c.entries, path)
		}
	}
}

// evictLRU 淘汰最久未读取的条目，调用方需持有写锁
func (c *artifactCache) evictLRU(count int) {
	type keyAge struct {
		path     string
		lastRead time.Time
	}

	aged := make([]keyAge, 0, len(c.entries))
	for path, entry := range c.entries {
		aged = append(aged, keyAge{path, entry.lastRead})
	}

	sort.Slice(aged, func(i, j int) bool {
		return aged[i].lastRead.Before(aged[j].lastRead)
	})

	removed := min(count, len(aged))
	for i := 0; i < removed; i++ {
		delete(c.entries, aged[i].path)
	}
}
