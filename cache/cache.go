// Package cache implements the forwarder's sharded response cache: positive
// and negative TTL-clamped entries keyed by (name, qtype, qclass) plus the
// checking-disabled bit.
package cache

import (
	"math/rand"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const shardCount = 256

// Entry is one cached response.
type Entry struct {
	Msg       *dns.Msg
	StoredAt  time.Time
	ExpiresAt time.Time
	Negative  bool
}

type shard struct {
	mu    sync.RWMutex
	items map[uint64]*Entry
}

func newShard() *shard {
	return &shard{items: make(map[uint64]*Entry)}
}

func (s *shard) get(key uint64) (*Entry, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	return e, ok
}

func (s *shard) set(key uint64, e *Entry, maxPerShard int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists && len(s.items) >= maxPerShard {
		s.evictLocked()
	}
	s.items[key] = e
}

// evictLocked removes one pseudo-random entry; caller holds the write lock.
// Go's randomized map iteration order picks the victim.
func (s *shard) evictLocked() {
	for k := range s.items {
		delete(s.items, k)
		return
	}
}

func (s *shard) remove(key uint64) {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

func (s *shard) len() int {
	s.mu.RLock()
	n := len(s.items)
	s.mu.RUnlock()
	return n
}

func (s *shard) flush() {
	s.mu.Lock()
	s.items = make(map[uint64]*Entry)
	s.mu.Unlock()
}

// Cache is a sharded, concurrent response cache.
type Cache struct {
	shards    [shardCount]*shard
	maxSize   int
	minTTL    time.Duration
	maxTTL    time.Duration
	negTTL    time.Duration
}

// New builds a cache. maxSize is split evenly across the 256 shards (each
// shard's share is maxSize/256 rounded down, but never less than one entry),
// so the total held can fall short of maxSize and reaches 256 when maxSize
// is smaller than that. minTTL/maxTTL clamp the TTL of positive responses
// and negTTL is applied to cached negative (NXDOMAIN/SERVFAIL/NODATA)
// responses.
func New(maxSize int, minTTL, maxTTL, negTTL time.Duration) *Cache {
	c := &Cache{
		maxSize: maxSize,
		minTTL:  minTTL,
		maxTTL:  maxTTL,
		negTTL:  negTTL,
	}
	for i := range c.shards {
		c.shards[i] = newShard()
	}
	return c
}

func (c *Cache) shardFor(key uint64) *shard {
	return c.shards[key%shardCount]
}

func (c *Cache) maxPerShard() int {
	n := c.maxSize / shardCount
	if n < 1 {
		n = 1
	}
	return n
}

// Get returns a cached entry for q, lazily expiring it if its TTL has
// elapsed since it was stored.
func (c *Cache) Get(q dns.Question, cd bool) (*Entry, bool) {
	key := Key(q, cd)
	s := c.shardFor(key)
	e, ok := s.get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.ExpiresAt) {
		s.remove(key)
		return nil, false
	}
	return e, true
}

// SetPositive stores a successful response, clamping its TTL to [minTTL, maxTTL].
func (c *Cache) SetPositive(q dns.Question, cd bool, msg *dns.Msg, recordMinTTL time.Duration) {
	ttl := clamp(recordMinTTL, c.minTTL, c.maxTTL)
	c.store(q, cd, msg, ttl, false)
}

// SetNegative stores an NXDOMAIN/SERVFAIL/NODATA response using the configured
// negative TTL.
func (c *Cache) SetNegative(q dns.Question, cd bool, msg *dns.Msg) {
	c.store(q, cd, msg, c.negTTL, true)
}

func (c *Cache) store(q dns.Question, cd bool, msg *dns.Msg, ttl time.Duration, negative bool) {
	key := Key(q, cd)
	now := time.Now()
	e := &Entry{
		Msg:       msg.Copy(),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
		Negative:  negative,
	}
	c.shardFor(key).set(key, e, c.maxPerShard())
}

// RemainingTTL returns how much of e's TTL budget is left for the purpose of
// rewriting the Answer/Ns/Extra TTLs of a served-from-cache response.
func (e *Entry) RemainingTTL(now time.Time) uint32 {
	remaining := e.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return uint32(remaining / time.Second)
}

// FlushAll clears every shard. Shards are cleared one at a time so lookups
// against shards not currently being flushed are never blocked.
func (c *Cache) FlushAll() {
	for _, s := range c.shards {
		s.flush()
	}
}

// Len returns the total number of cached entries across all shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		total += s.len()
	}
	return total
}

// Cap returns the configured total entry budget.
func (c *Cache) Cap() int { return c.maxSize }

func clamp(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// ShuffleAnswers randomizes the order of answer records in place so repeated
// cache hits for A/AAAA responses don't always favor the same record.
func ShuffleAnswers(rrs []dns.RR) {
	rand.Shuffle(len(rrs), func(i, j int) {
		rrs[i], rrs[j] = rrs[j], rrs[i]
	})
}
