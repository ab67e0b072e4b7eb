// Package cache provides a small sharded cache used by graphexec for
// loaded-kernel lookup. Kernel loading goes through the vendor driver and
// is comparatively expensive; command buffers request the same auxiliary
// condition-setter kernels on every conditional construct, so lookups must
// be cheap and safe under concurrent executors.
package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Default configuration constants.
const (
	// ShardCount is the number of shards for reduced lock contention.
	// Must be a power of 2 for fast modulo via bitwise AND.
	ShardCount = 16

	// DefaultCapacity is the default maximum entries per shard.
	DefaultCapacity = 64

	// shardMask is used for fast shard selection (ShardCount - 1).
	shardMask = ShardCount - 1
)

// Hasher computes a hash for a key, used for shard selection.
type Hasher[K any] func(K) uint64

// StringHasher computes FNV-1a hash of a string key.
func StringHasher(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s)) // fnv.Write never returns an error
	return h.Sum64()
}

// Sharded is a thread-safe sharded LRU cache. Values are stored as-is;
// callers must not mutate a value after caching it.
type Sharded[K comparable, V any] struct {
	shards   [ShardCount]*shard[K, V]
	hasher   Hasher[K]
	capacity int // per-shard capacity

	hits   atomic.Uint64
	misses atomic.Uint64
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*list.Element
	lru     *list.List // of entry[K, V], front is most recent
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

// NewSharded creates a sharded cache with the given per-shard capacity.
// If capacity <= 0, DefaultCapacity is used.
func NewSharded[K comparable, V any](capacity int, hasher Hasher[K]) *Sharded[K, V] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Sharded[K, V]{hasher: hasher, capacity: capacity}
	for i := range c.shards {
		c.shards[i] = &shard[K, V]{
			entries: make(map[K]*list.Element),
			lru:     list.New(),
		}
	}
	return c
}

func (c *Sharded[K, V]) getShard(key K) *shard[K, V] {
	return c.shards[c.hasher(key)&shardMask]
}

// Get retrieves a cached value by key. On a hit the entry is refreshed in
// the LRU order.
func (c *Sharded[K, V]) Get(key K) (V, bool) {
	s := c.getShard(key)

	s.mu.Lock()
	el, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	s.lru.MoveToFront(el)
	value := el.Value.(*entry[K, V]).value
	s.mu.Unlock()

	c.hits.Add(1)
	return value, true
}

// Set stores a value, evicting the least recently used entries if the
// shard is over capacity.
func (c *Sharded[K, V]) Set(key K, value V) {
	s := c.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, c.capacity)
}

func (s *shard[K, V]) set(key K, value V, capacity int) {
	if el, ok := s.entries[key]; ok {
		el.Value.(*entry[K, V]).value = value
		s.lru.MoveToFront(el)
		return
	}
	for s.lru.Len() >= capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.entries, oldest.Value.(*entry[K, V]).key)
	}
	s.entries[key] = s.lru.PushFront(&entry[K, V]{key: key, value: value})
}

// GetOrCreate returns the cached value or creates it with create. The
// create function runs with the shard lock held so concurrent callers for
// one key do not duplicate work; keep it fast. If create fails, nothing is
// cached and the error is returned.
func (c *Sharded[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	s := c.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.lru.MoveToFront(el)
		c.hits.Add(1)
		return el.Value.(*entry[K, V]).value, nil
	}
	c.misses.Add(1)

	value, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	s.set(key, value, c.capacity)
	return value, nil
}

// Delete removes an entry, reporting whether it was present.
func (c *Sharded[K, V]) Delete(key K) bool {
	s := c.getShard(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return false
	}
	s.lru.Remove(el)
	delete(s.entries, key)
	return true
}

// Len returns the total number of entries across all shards.
func (c *Sharded[K, V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}

// Stats describes cache effectiveness counters.
type Stats struct {
	Len    int
	Hits   uint64
	Misses uint64
}

// Stats returns current counters.
func (c *Sharded[K, V]) Stats() Stats {
	return Stats{Len: c.Len(), Hits: c.hits.Load(), Misses: c.misses.Load()}
}
