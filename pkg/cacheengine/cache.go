package cacheengine

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Cache is a running cache. Entries are spread over segments by key hash.
type Cache struct {
	name     string
	settings Settings

	mu       sync.RWMutex
	segments []map[string][]byte
	order    []string
	hits     uint64
	misses   uint64
	evicted  uint64
}

// Stats are cache counters. They are only collected when statistics are enabled.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Evicted uint64 `json:"evicted"`
}

func newCache(name string, s Settings) *Cache {
	c := &Cache{name: name, settings: s}
	c.reset()
	return c
}

func (c *Cache) reset() {
	c.segments = make([]map[string][]byte, c.settings.Segments)
	for i := range c.segments {
		c.segments[i] = make(map[string][]byte)
	}
	c.order = nil
}

// Name returns container/name.
func (c *Cache) Name() string { return c.name }

// Settings returns the settings the cache was started with.
func (c *Cache) Settings() Settings { return c.settings }

// Segment returns the segment key hashes to.
func (c *Cache) Segment(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(c.segments)))
}

// Put stores val under key, evicting the oldest entries beyond the
// configured maximum.
func (c *Cache) Put(key string, val []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seg := c.segments[c.Segment(key)]
	if _, exists := seg[key]; !exists {
		c.order = append(c.order, key)
	}
	seg[key] = append([]byte(nil), val...)

	if !c.settings.Evicts() {
		return
	}
	for int64(len(c.order)) > c.settings.MaxEntries {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.segments[c.Segment(oldest)], oldest)
		c.evicted++
	}
}

// Get returns the value stored under key.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.segments[c.Segment(key)][key]
	if c.settings.Statistics {
		if ok {
			c.hits++
		} else {
			c.misses++
		}
	}
	if !ok {
		return nil, false
	}
	return append([]byte(nil), val...), true
}

// Remove deletes key.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seg := c.segments[c.Segment(key)]
	if _, ok := seg[key]; !ok {
		return false
	}
	delete(seg, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Entries: len(c.order), Hits: c.hits, Misses: c.misses, Evicted: c.evicted}
}

func (c *Cache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}
