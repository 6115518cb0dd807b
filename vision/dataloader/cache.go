package dataloader

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/tsawler/go-remind/vision/preprocessing"
)

// PairCache is an LRU cache of preprocessed image pairs keyed by file path.
// Previous-task files are drawn again and again, so they stay hot.
type PairCache struct {
	mu      sync.Mutex
	lru     *list.List
	entries map[string]*list.Element
	maxSize int

	hits   int64
	misses int64
}

type cacheEntry struct {
	key  string
	pair *preprocessing.Pair
}

// NewPairCache creates a cache holding at most maxSize pairs; maxSize <= 0
// disables caching.
func NewPairCache(maxSize int) *PairCache {
	return &PairCache{
		lru:     list.New(),
		entries: make(map[string]*list.Element),
		maxSize: maxSize,
	}
}

// Get retrieves a pair and marks it most recently used
func (c *PairCache) Get(key string) (*preprocessing.Pair, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).pair, true
	}
	c.misses++
	return nil, false
}

// Put adds a pair, evicting the least recently used ones beyond capacity
func (c *PairCache) Put(key string, pair *preprocessing.Pair) {
	if c.maxSize <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value.(*cacheEntry).pair = pair
		c.lru.MoveToFront(elem)
		return
	}
	c.entries[key] = c.lru.PushFront(&cacheEntry{key: key, pair: pair})
	for c.lru.Len() > c.maxSize {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (c *PairCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total) * 100
	}
	return stats
}

// Clear empties the cache; statistics stay cumulative
func (c *PairCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Init()
	clear(c.entries)
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d pairs, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
