package storage

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quasar-data/quasar/pkg/errors"
	"github.com/quasar-data/quasar/pkg/metrics"
	"github.com/quasar-data/quasar/pkg/table"
)

// HotCache is a byte-budgeted LRU cache of tables keyed by string.
//
// The cache owns one reference per resident table. Get hands out an extra
// reference, so concurrent readers keep observing valid data even if their
// entry is evicted underneath them; callers must Release what they Get.
// Eviction removes least-recently-used entries, and only when an insert
// would push residency past the budget.
type HotCache struct {
	mu       sync.Mutex
	entries  map[string]*list.Element
	lru      *list.List // front = most recently used
	budget   int64
	resident int64

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type cacheItem struct {
	key        string
	tbl        *table.Table
	size       int64
	lastAccess time.Time
}

// NewHotCache creates a cache with the given byte budget.
func NewHotCache(budgetBytes int64) *HotCache {
	return &HotCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		budget:  budgetBytes,
	}
}

// Put inserts or replaces the table under key. The cache takes its own
// reference. A table larger than the whole budget is refused with a
// resource-exhausted error rather than flushing every other entry.
func (c *HotCache) Put(key string, tbl *table.Table) error {
	size := tbl.SizeBytes()
	if size > c.budget {
		return errors.Newf(errors.ErrorTypeResourceExhausted,
			"table of %d bytes exceeds cache budget of %d bytes", size, c.budget)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		item := elem.Value.(*cacheItem)
		c.resident -= item.size
		item.tbl.Release()
		c.lru.Remove(elem)
		delete(c.entries, key)
	}

	for c.resident+size > c.budget {
		c.evictOldestLocked()
	}

	tbl.Retain()
	item := &cacheItem{key: key, tbl: tbl, size: size, lastAccess: time.Now()}
	c.entries[key] = c.lru.PushFront(item)
	c.resident += size
	metrics.CacheResidentBytes.Set(float64(c.resident))
	return nil
}

// Get returns the table under key with an extra reference, or false on a
// miss. Callers must Release the returned table.
func (c *HotCache) Get(key string) (*table.Table, bool) {
	c.mu.Lock()
	elem, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		metrics.CacheMisses.Inc()
		return nil, false
	}

	item := elem.Value.(*cacheItem)
	item.lastAccess = time.Now()
	c.lru.MoveToFront(elem)
	item.tbl.Retain()
	c.mu.Unlock()

	c.hits.Add(1)
	metrics.CacheHits.Inc()
	return item.tbl, true
}

// Contains reports presence without touching recency or counters.
func (c *HotCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Remove drops the entry under key if present.
func (c *HotCache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return
	}
	item := elem.Value.(*cacheItem)
	c.resident -= item.size
	item.tbl.Release()
	c.lru.Remove(elem)
	delete(c.entries, key)
	metrics.CacheResidentBytes.Set(float64(c.resident))
}

// Clear drops every entry.
func (c *HotCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.entries {
		item := elem.Value.(*cacheItem)
		item.tbl.Release()
		delete(c.entries, key)
	}
	c.lru.Init()
	c.resident = 0
	metrics.CacheResidentBytes.Set(0)
}

// Keys returns the cached keys, most recently used first.
func (c *HotCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.entries))
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		keys = append(keys, elem.Value.(*cacheItem).key)
	}
	return keys
}

// Len returns the number of resident entries.
func (c *HotCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ResidentBytes returns the current residency.
func (c *HotCache) ResidentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resident
}

// Hits returns the cumulative hit count.
func (c *HotCache) Hits() int64 { return c.hits.Load() }

// Misses returns the cumulative miss count.
func (c *HotCache) Misses() int64 { return c.misses.Load() }

// Evictions returns the cumulative eviction count.
func (c *HotCache) Evictions() int64 { return c.evictions.Load() }

// HitRate returns hits / (hits+misses), or 0 before any lookup.
func (c *HotCache) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func (c *HotCache) evictOldestLocked() {
	elem := c.lru.Back()
	if elem == nil {
		return
	}
	item := elem.Value.(*cacheItem)
	c.resident -= item.size
	item.tbl.Release()
	c.lru.Remove(elem)
	delete(c.entries, item.key)
	c.evictions.Add(1)
	metrics.CacheEvictions.Inc()
}
