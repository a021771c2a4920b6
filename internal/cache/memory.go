package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"github.com/Guizzs26/go-offline-sync/pkg/metrics"
	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

type entry struct {
	value      models.Payload
	insertedAt time.Time
	ttl        time.Duration
}

type shard struct {
	mu    sync.RWMutex
	items map[string]entry
}

// MemoryCache is a sharded in-process cache. Keys are spread over shards by
// hash so concurrent readers rarely contend on the same lock.
type MemoryCache struct {
	shards     [shardCount]*shard
	defaultTTL time.Duration
	now        func() time.Time
}

type MemoryOption func(*MemoryCache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(c *MemoryCache) { c.now = now }
}

func NewMemoryCache(defaultTTL time.Duration, opts ...MemoryOption) *MemoryCache {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	c := &MemoryCache{defaultTTL: defaultTTL, now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]entry)}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *MemoryCache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

func (c *MemoryCache) Get(_ context.Context, key string) (models.Payload, bool) {
	s := c.shardFor(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || c.now().Sub(e.insertedAt) >= e.ttl {
		metrics.CacheRequests.WithLabelValues("memory", "miss").Inc()
		return models.Payload{}, false
	}
	metrics.CacheRequests.WithLabelValues("memory", "hit").Inc()
	return e.value.Clone(), true
}

// Put stores a copy of value. A non-positive ttl uses the cache default.
func (c *MemoryCache) Put(_ context.Context, key string, value models.Payload, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	s := c.shardFor(key)
	s.mu.Lock()
	s.items[key] = entry{value: value.Clone(), insertedAt: c.now(), ttl: ttl}
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, key string) error {
	s := c.shardFor(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (c *MemoryCache) InvalidatePrefix(_ context.Context, prefix string) error {
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			if strings.HasPrefix(k, prefix) {
				delete(s.items, k)
			}
		}
		s.mu.Unlock()
	}
	return nil
}

func (c *MemoryCache) InvalidateAll(_ context.Context) error {
	for _, s := range c.shards {
		s.mu.Lock()
		s.items = make(map[string]entry)
		s.mu.Unlock()
	}
	return nil
}

// Len counts stored entries, expired ones included.
func (c *MemoryCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.items)
		s.mu.RUnlock()
	}
	return n
}
