package cache

import (
	"context"
	"sync"
	"time"

	"assessment-gateway/internal/metrics"

	"golang.org/x/sync/singleflight"
)

// Stats is a point-in-time view of cache effectiveness
type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

type entry struct {
	value     []byte
	createdAt time.Time
	expiresAt time.Time
	tags      []string
}

// Cache memoizes expensive idempotent computations keyed by a caller-supplied
// fingerprint. Values are treated as immutable: the cache copies on store and
// on return, so no caller can corrupt another caller's view. Concurrent
// misses for the same key are coalesced into a single computation.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry
	tags    map[string]map[string]struct{}
	hits    int64
	misses  int64

	group      singleflight.Group
	metrics    *metrics.Metrics
	sweepEvery time.Duration
	now        func() time.Time
	stop       chan struct{}
	stopOnce   sync.Once
}

// Option configures a Cache
type Option func(*Cache)

// WithSweepInterval overrides how often the expiry sweep runs
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) { c.sweepEvery = d }
}

// WithClock overrides the cache's time source (used in tests)
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache
func New(m *metrics.Metrics, opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		tags:       make(map[string]map[string]struct{}),
		metrics:    m,
		sweepEvery: time.Minute,
		now:        time.Now,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the background expiry sweep. Stop with Stop.
func (c *Cache) Start() {
	t := time.NewTicker(c.sweepEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-t.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the background sweep
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// GetOrCompute returns the cached value for key, computing and storing it
// with the given ttl and tags on a miss. Concurrent callers for the same key
// share one in-flight computation. Compute failures propagate to every
// waiter and are never cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error), tags ...string) ([]byte, error) {
	if v, ok := c.lookup(key); ok {
		c.recordHit()
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// an earlier flight may have stored the value while we queued
		if v, ok := c.lookup(key); ok {
			c.recordHit()
			return v, nil
		}
		// counted here rather than at entry so coalesced waiters do not
		// inflate the miss ratio
		c.recordMiss()
		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, computed, ttl, tags...)
		return cloneBytes(computed), nil
	})
	if err != nil {
		return nil, err
	}
	return cloneBytes(v.([]byte)), nil
}

// Get returns the value for key if present and unexpired
func (c *Cache) Get(key string) ([]byte, bool) {
	v, ok := c.lookup(key)
	if !ok {
		c.recordMiss()
		return nil, false
	}
	c.recordHit()
	return v, true
}

// lookup fetches without touching the hit/miss counters
func (c *Cache) lookup(key string) ([]byte, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || now.After(e.expiresAt) {
		return nil, false
	}
	return cloneBytes(e.value), true
}

// Set stores a copy of value under key with the given ttl and tags
func (c *Cache) Set(key string, value []byte, ttl time.Duration, tags ...string) {
	now := c.now()
	e := &entry{
		value:     cloneBytes(value),
		createdAt: now,
		expiresAt: now.Add(ttl),
		tags:      tags,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(key)
	c.entries[key] = e
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

// Invalidate removes a single entry
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// InvalidateByTag removes every entry carrying tag. The removal happens
// under the write lock, so no reader observes a half-invalidated tag set.
func (c *Cache) InvalidateByTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.tags[tag] {
		c.removeLocked(key)
	}
	delete(c.tags, tag)
}

// Stats returns hit/miss counters and the current entry count
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}

// sweep evicts expired entries to bound memory independent of reads
func (c *Cache) sweep() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(key)
		}
	}
}

// removeLocked deletes an entry and unlinks it from its tags.
// Callers must hold c.mu.
func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range e.tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

func (c *Cache) recordHit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncCacheHit()
	}
}

func (c *Cache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	if c.metrics != nil {
		c.metrics.IncCacheMiss()
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
