package engine

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const DefaultDedupCapacity = 100

type EvictionPolicy int

const (
	// EvictOldest drops the single oldest key when the cache is full.
	EvictOldest EvictionPolicy = iota
	// EvictClearAll empties the whole cache when it is full.
	EvictClearAll
)

func (p EvictionPolicy) String() string {
	switch p {
	case EvictClearAll:
		return "clear-all"
	default:
		return "oldest"
	}
}

// DedupCache remembers recently mirrored source keys. Insertion order is
// what counts: a repeat lookup does not refresh a key.
type DedupCache struct {
	mu       sync.Mutex
	capacity int
	policy   EvictionPolicy
	entries  *lru.Cache[string, struct{}]
}

func NewDedupCache(capacity int, policy EvictionPolicy) *DedupCache {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	entries, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &DedupCache{
		capacity: capacity,
		policy:   policy,
		entries:  entries,
	}
}

// ShouldMirror returns false when key was seen within the cache lifetime.
// Otherwise it records key and returns true.
func (c *DedupCache) ShouldMirror(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Contains(key) {
		return false
	}
	if c.policy == EvictClearAll && c.entries.Len() >= c.capacity {
		c.entries.Purge()
	}
	// ContainsOrAdd leaves recency untouched, so eviction stays FIFO.
	c.entries.ContainsOrAdd(key, struct{}{})
	return true
}

// Forget removes key so a later ShouldMirror accepts it again.
func (c *DedupCache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

func (c *DedupCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Contains(key)
}

func (c *DedupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

func (c *DedupCache) Capacity() int {
	return c.capacity
}
