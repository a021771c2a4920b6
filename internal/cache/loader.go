package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Guizzs26/go-offline-sync/internal/models"
	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches a value from the source of truth on a cache miss.
type LoadFunc func(ctx context.Context) (models.Payload, error)

// Loader implements read-through on top of a Store. Concurrent misses for the
// same key share a single load.
//
// Writes and invalidations issued through Store() mark in-flight loads for the
// affected keys as stale, and a stale load result is returned but not cached.
type Loader struct {
	store Store
	ttl   time.Duration
	group singleflight.Group

	mu    sync.Mutex
	loads map[string]*pendingLoad
}

type pendingLoad struct {
	stale bool
}

func NewLoader(store Store, ttl time.Duration) *Loader {
	return &Loader{store: store, ttl: ttl, loads: make(map[string]*pendingLoad)}
}

// Store returns the underlying store wrapped so that its writes and
// invalidations supersede in-flight loads. Every writer sharing the cache
// with this loader should go through it.
func (l *Loader) Store() Store {
	return guardedStore{l: l}
}

// Get returns the cached value for key or loads, stores and returns it.
func (l *Loader) Get(ctx context.Context, key string, load LoadFunc) (models.Payload, error) {
	if v, ok := l.store.Get(ctx, key); ok {
		return v, nil
	}

	v, err, _ := l.group.Do(key, func() (any, error) {
		pending := l.begin(key)
		p, err := load(ctx)
		l.finish(ctx, key, pending, p, err == nil)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
	if err != nil {
		return models.Payload{}, err
	}
	return v.(models.Payload).Clone(), nil
}

// Forget drops both the cached value and any in-flight load for key.
func (l *Loader) Forget(ctx context.Context, key string) error {
	l.markKey(key)
	l.group.Forget(key)
	return l.store.Invalidate(ctx, key)
}

func (l *Loader) begin(key string) *pendingLoad {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := &pendingLoad{}
	l.loads[key] = pending
	return pending
}

// finish holds the lock across Put so an invalidation either marks the load
// stale first or deletes the value after it was written.
func (l *Loader) finish(ctx context.Context, key string, pending *pendingLoad, value models.Payload, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loads[key] == pending {
		delete(l.loads, key)
	}
	if !ok || pending.stale {
		return
	}
	// best effort
	_ = l.store.Put(ctx, key, value, l.ttl)
}

func (l *Loader) markKey(key string) {
	l.mu.Lock()
	if pending, ok := l.loads[key]; ok {
		pending.stale = true
	}
	l.mu.Unlock()
}

func (l *Loader) markPrefix(prefix string) {
	l.mu.Lock()
	for key, pending := range l.loads {
		if strings.HasPrefix(key, prefix) {
			pending.stale = true
		}
	}
	l.mu.Unlock()
}

type guardedStore struct {
	l *Loader
}

func (g guardedStore) Get(ctx context.Context, key string) (models.Payload, bool) {
	return g.l.store.Get(ctx, key)
}

func (g guardedStore) Put(ctx context.Context, key string, value models.Payload, ttl time.Duration) error {
	g.l.markKey(key)
	return g.l.store.Put(ctx, key, value, ttl)
}

func (g guardedStore) Invalidate(ctx context.Context, key string) error {
	g.l.markKey(key)
	return g.l.store.Invalidate(ctx, key)
}

func (g guardedStore) InvalidatePrefix(ctx context.Context, prefix string) error {
	g.l.markPrefix(prefix)
	return g.l.store.InvalidatePrefix(ctx, prefix)
}

func (g guardedStore) InvalidateAll(ctx context.Context) error {
	g.l.markPrefix("")
	return g.l.store.InvalidateAll(ctx)
}
