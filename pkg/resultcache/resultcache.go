// Package resultcache implements GigaVector's ResultCache: a bounded cache
// of (query, k, metric) -> (ids, distances) results, evicted by either LRU
// or LFU policy, bounded by both entry count and a memory-byte budget, with
// TTL expiry and mutation-driven invalidation. Grounded on the LRU-wrapper
// shape in Aman-CERP-amanmcp's internal/embed/cached.go (a struct wrapping
// a hashicorp/golang-lru cache behind a narrow API), swapped to the
// unlocked simplelru.LRU so GigaVector's own mutex is the single lock of
// record the cache's invariants are checked under, and extended with an
// LFU mode and the memory/TTL/invalidation bookkeeping that package has no
// equivalent for.
package resultcache

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/gigavector/gigavector/pkg/errs"
	"github.com/gigavector/gigavector/pkg/kernel"
)

// Policy selects which entry is evicted when the cache is over budget.
type Policy int

const (
	// PolicyLRU evicts the least recently used entry.
	PolicyLRU Policy = iota
	// PolicyLFU evicts the entry with the lowest access count, ties broken
	// by oldest insertion.
	PolicyLFU
)

// Config bounds the cache's resource usage.
type Config struct {
	Policy                   Policy
	MaxEntries               int
	MaxMemoryBytes           int64
	TTL                      time.Duration // 0 disables expiry
	InvalidateAfterMutations int64         // 0 disables mutation-driven flush
}

type entry struct {
	query         []float32
	k             int
	metric        kernel.Metric
	ids           []uint64
	distances     []float32
	memorySize    int64
	createdAt     time.Time
	accessCount   int64
	insertionSeq  int64
}

func (e *entry) expired(ttl time.Duration, now time.Time) bool {
	return ttl > 0 && now.Sub(e.createdAt) > ttl
}

func entrySize(query []float32, ids []uint64, distances []float32) int64 {
	return int64(len(query))*4 + int64(len(ids))*8 + int64(len(distances))*4
}

// Stats is a point-in-time snapshot of cache activity counters.
type Stats struct {
	Hits       int64
	Misses     int64
	Evictions  int64
	Count      int
	MemoryUsed int64
}

// Cache is GigaVector's ResultCache. All operations hold the cache's single
// mutex; statistics update under the same lock, matching the
// one-mutex-for-the-whole-component concurrency contract.
type Cache struct {
	mu sync.Mutex

	cfg Config

	lru *simplelru.LRU[uint64, *entry] // used when cfg.Policy == PolicyLRU
	lfu map[uint64]*entry              // used when cfg.Policy == PolicyLFU

	memoryUsed    int64
	mutationCount int64
	insertSeq     int64

	hits, misses, evictions int64
}

// New creates a ResultCache per cfg. MaxEntries must be positive.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, errs.New(errs.KindInvalidArgument, "resultcache.New", "MaxEntries must be positive")
	}
	c := &Cache{cfg: cfg}
	if cfg.Policy == PolicyLRU {
		l, err := simplelru.NewLRU[uint64, *entry](cfg.MaxEntries, c.onLRUEvict)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "resultcache.New", err)
		}
		c.lru = l
	} else {
		c.lfu = make(map[uint64]*entry)
	}
	return c, nil
}

func (c *Cache) onLRUEvict(_ uint64, e *entry) {
	c.memoryUsed -= e.memorySize
	c.evictions++
}

// Key computes the cache key fnv1a(query) xor fnv1a(k) xor fnv1a(metric),
// the hash GigaVector's QueryEngine uses for cache lookups. Exact-match
// verification against collisions happens in Get, which compares the
// stored query vector, k and metric; Put replaces whatever entry holds key.
func Key(query []float32, k int, metric kernel.Metric) uint64 {
	return fnv1aFloats(query) ^ fnv1aUint(uint64(k)) ^ fnv1aUint(uint64(metric))
}

func fnv1aUint(v uint64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= v & 0xff
		v >>= 8
		h *= 1099511628211
	}
	return h
}

func fnv1aFloats(vs []float32) uint64 {
	h := uint64(14695981039346656037)
	for _, f := range vs {
		h ^= uint64(math.Float32bits(f))
		h *= 1099511628211
	}
	return h
}

// Get looks up key, verifying query/k/metric exactly to rule out a hash
// collision, and returns a freshly allocated copy of (ids, distances) that
// the caller owns. A TTL-expired entry is evicted in place and reported as
// a miss.
func (c *Cache) Get(key uint64, query []float32, k int, metric kernel.Metric) (ids []uint64, distances []float32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookupLocked(key)
	if e == nil {
		c.misses++
		return nil, nil, false
	}
	if e.expired(c.cfg.TTL, time.Now()) {
		c.removeLocked(key)
		c.misses++
		return nil, nil, false
	}
	if e.k != k || e.metric != metric || !floatsEqual(e.query, query) {
		c.misses++
		return nil, nil, false
	}

	e.accessCount++
	if c.cfg.Policy == PolicyLRU {
		c.lru.Get(key) // bump recency
	}
	c.hits++

	outIDs := make([]uint64, len(e.ids))
	copy(outIDs, e.ids)
	outDist := make([]float32, len(e.distances))
	copy(outDist, e.distances)
	return outIDs, outDist, true
}

func (c *Cache) lookupLocked(key uint64) *entry {
	if c.cfg.Policy == PolicyLRU {
		e, ok := c.lru.Peek(key)
		if !ok {
			return nil
		}
		return e
	}
	return c.lfu[key]
}

func (c *Cache) removeLocked(key uint64) {
	if c.cfg.Policy == PolicyLRU {
		c.lru.Remove(key)
		return
	}
	if e, ok := c.lfu[key]; ok {
		c.memoryUsed -= e.memorySize
		delete(c.lfu, key)
	}
}

func floatsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Put stores (ids, distances) under key, replacing any prior entry for the
// same key. Entries are evicted, per the configured policy, until both
// sum(memory_size) <= MaxMemoryBytes and count <= MaxEntries hold with the
// new entry included. An entry larger than MaxMemoryBytes on its own is
// never stored.
func (c *Cache) Put(key uint64, query []float32, k int, metric kernel.Metric, ids []uint64, distances []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := entrySize(query, ids, distances)
	if c.cfg.MaxMemoryBytes > 0 && size > c.cfg.MaxMemoryBytes {
		return
	}

	c.removeLocked(key)

	qCopy := make([]float32, len(query))
	copy(qCopy, query)
	idsCopy := make([]uint64, len(ids))
	copy(idsCopy, ids)
	distCopy := make([]float32, len(distances))
	copy(distCopy, distances)

	c.insertSeq++
	e := &entry{
		query:        qCopy,
		k:            k,
		metric:       metric,
		ids:          idsCopy,
		distances:    distCopy,
		memorySize:   size,
		createdAt:    time.Now(),
		insertionSeq: c.insertSeq,
	}

	for c.overBudgetLocked(size) {
		if !c.evictOneLocked() {
			break
		}
	}

	c.memoryUsed += size
	if c.cfg.Policy == PolicyLRU {
		c.lru.Add(key, e)
	} else {
		c.lfu[key] = e
	}
}

func (c *Cache) overBudgetLocked(incoming int64) bool {
	count := c.countLocked()
	if count+1 > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxMemoryBytes > 0 && c.memoryUsed+incoming > c.cfg.MaxMemoryBytes {
		return true
	}
	return false
}

func (c *Cache) countLocked() int {
	if c.cfg.Policy == PolicyLRU {
		return c.lru.Len()
	}
	return len(c.lfu)
}

func (c *Cache) evictOneLocked() bool {
	if c.cfg.Policy == PolicyLRU {
		_, _, ok := c.lru.RemoveOldest()
		return ok
	}

	var victimKey uint64
	var victim *entry
	found := false
	for key, e := range c.lfu {
		if !found || e.accessCount < victim.accessCount ||
			(e.accessCount == victim.accessCount && e.insertionSeq < victim.insertionSeq) {
			victimKey, victim = key, e
			found = true
		}
	}
	if !found {
		return false
	}
	c.memoryUsed -= victim.memorySize
	delete(c.lfu, victimKey)
	c.evictions++
	return true
}

// Notify registers a mutation (ADD/UPDATE/DELETE). When the mutation
// counter crosses InvalidateAfterMutations, the entire cache is flushed and
// the counter reset, matching the "cache observes the mutation before the
// mutation's response is sent" ordering requirement.
func (c *Cache) Notify() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.InvalidateAfterMutations <= 0 {
		return
	}
	c.mutationCount++
	if c.mutationCount >= c.cfg.InvalidateAfterMutations {
		c.purgeLocked()
		c.mutationCount = 0
	}
}

// Flush unconditionally clears the cache.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.purgeLocked()
}

func (c *Cache) purgeLocked() {
	if c.cfg.Policy == PolicyLRU {
		c.lru.Purge()
	} else {
		c.lfu = make(map[uint64]*entry)
	}
	c.memoryUsed = 0
}

// Stats returns a snapshot of cache activity and current occupancy.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Count:      c.countLocked(),
		MemoryUsed: c.memoryUsed,
	}
}
