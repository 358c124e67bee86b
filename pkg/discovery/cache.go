// cache.go: a TTL-bounded cache in front of Discoverer.DiscoverInstances,
// with LRU eviction by timestamp. discovery.go queries the KV bucket
// directly on every call; this layers a cache in front of it using the
// same "wrap the inner port behind the same method signature" shape
// service.SingleActive uses to layer onto service.Base.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/registry"
)

const (
	defaultCacheTTL     = 10 * time.Second
	defaultCacheMaxSize = 1000
)

type cacheKey struct {
	service     string
	onlyHealthy bool
}

type cacheEntry struct {
	instances []registry.ServiceInstance
	expiresAt time.Time
	touchedAt time.Time
}

// CachedDiscoverer wraps a Discoverer with a TTL cache keyed by
// (service, only_healthy). A query that misses or has expired delegates
// to the inner Discoverer; a query that fails against a populated cache
// serves the stale entry instead of propagating the error.
type CachedDiscoverer struct {
	inner   *Discoverer
	ttl     time.Duration
	maxSize int

	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	warn    func(msg string, kv ...any)
}

// CacheOption configures NewCachedDiscoverer.
type CacheOption func(*CachedDiscoverer)

// WithCacheTTL overrides the default 10s cache entry lifetime.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedDiscoverer) { c.ttl = ttl }
}

// WithCacheMaxSize overrides the default 1000-entry cap.
func WithCacheMaxSize(n int) CacheOption {
	return func(c *CachedDiscoverer) { c.maxSize = n }
}

// WithCacheWarn registers a callback invoked when a stale entry is
// served after an inner-query failure.
func WithCacheWarn(fn func(msg string, kv ...any)) CacheOption {
	return func(c *CachedDiscoverer) { c.warn = fn }
}

// NewCachedDiscoverer wraps inner with a TTL cache.
func NewCachedDiscoverer(inner *Discoverer, opts ...CacheOption) *CachedDiscoverer {
	c := &CachedDiscoverer{
		inner:   inner,
		ttl:     defaultCacheTTL,
		maxSize: defaultCacheMaxSize,
		entries: make(map[cacheKey]*cacheEntry),
		warn:    func(string, ...any) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DiscoverInstances serves from cache when fresh, else delegates to the
// inner Discoverer and caches the result. A failed delegate query falls
// back to a stale cached entry, if one exists, with a warning.
func (c *CachedDiscoverer) DiscoverInstances(ctx context.Context, service string, onlyHealthy bool) ([]registry.ServiceInstance, error) {
	key := cacheKey{service: service, onlyHealthy: onlyHealthy}
	now := time.Now()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok && now.Before(entry.expiresAt) {
		entry.touchedAt = now
		instances := entry.instances
		c.mu.Unlock()
		return instances, nil
	}
	c.mu.Unlock()

	instances, err := c.inner.DiscoverInstances(ctx, service, onlyHealthy)
	if err != nil {
		c.mu.Lock()
		stale, ok := c.entries[key]
		c.mu.Unlock()
		if ok {
			c.warn("discovery: serving stale cache entry after inner query failure", "service", service, "error", err.Error())
			return stale.instances, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{instances: instances, expiresAt: now.Add(c.ttl), touchedAt: now}
	c.evictLocked()
	c.mu.Unlock()
	return instances, nil
}

// evictLocked removes the least-recently-touched entry while the cache
// exceeds maxSize. Caller must hold c.mu.
func (c *CachedDiscoverer) evictLocked() {
	for len(c.entries) > c.maxSize {
		var oldestKey cacheKey
		var oldestTime time.Time
		first := true
		for k, e := range c.entries {
			if first || e.touchedAt.Before(oldestTime) {
				oldestKey, oldestTime, first = k, e.touchedAt, false
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Invalidate drops every cached entry for service, regardless of the
// only_healthy key component.
func (c *CachedDiscoverer) Invalidate(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.service == service {
			delete(c.entries, k)
		}
	}
}
