// watchcache.go: a CachedDiscoverer plus a background task invalidating
// cache entries from live KV watch events, instead of waiting for TTL
// expiry. Grounded on pkg/env/discovery.go's WatchAll (a goroutine
// pumping watcher.Updates() into an app callback, stopCh-guarded Stop);
// here the callback invalidates this service's cache entry instead of
// notifying the application.
package discovery

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

const (
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxReconnectTries = 10
)

// WatchableCachedDiscoverer layers watch-driven cache invalidation over
// CachedDiscoverer: any PUT/DELETE/PURGE under service-instances
// invalidates the affected service's entries immediately, rather than
// waiting out the TTL.
type WatchableCachedDiscoverer struct {
	*CachedDiscoverer

	store          *mesh.Store
	logger         mesh.Logger
	reconnectDelay time.Duration
	maxReconnect   int

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	done    chan struct{}
}

// WatchableOption configures NewWatchableCachedDiscoverer.
type WatchableOption func(*WatchableCachedDiscoverer)

// WithReconnectDelay overrides the default 5s delay between reconnect
// attempts.
func WithReconnectDelay(d time.Duration) WatchableOption {
	return func(w *WatchableCachedDiscoverer) { w.reconnectDelay = d }
}

// WithMaxReconnectAttempts overrides the default cap of 10 reconnect
// attempts before the watch loop gives up.
func WithMaxReconnectAttempts(n int) WatchableOption {
	return func(w *WatchableCachedDiscoverer) { w.maxReconnect = n }
}

// NewWatchableCachedDiscoverer wraps cached with a background watch of
// store's service-instances keys.
func NewWatchableCachedDiscoverer(cached *CachedDiscoverer, store *mesh.Store, logger mesh.Logger, opts ...WatchableOption) *WatchableCachedDiscoverer {
	if logger == nil {
		logger = mesh.NopLogger()
	}
	w := &WatchableCachedDiscoverer{
		CachedDiscoverer: cached,
		store:            store,
		logger:           logger,
		reconnectDelay:   defaultReconnectDelay,
		maxReconnect:     defaultMaxReconnectTries,
		stopCh:           make(chan struct{}),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start begins the background watch loop. Call Stop to end it.
func (w *WatchableCachedDiscoverer) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *WatchableCachedDiscoverer) run(ctx context.Context) {
	defer close(w.done)

	attempts := 0
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		events, stop, err := w.store.Watch(ctx, "")
		if err != nil {
			attempts++
			w.logger.Warn("discovery: watch failed, will retry", "attempt", attempts, "error", err.Error())
			if attempts >= w.maxReconnect {
				w.logger.Error("discovery: giving up on watch after max attempts", err)
				return
			}
			select {
			case <-time.After(w.reconnectDelay):
				continue
			case <-w.stopCh:
				return
			}
		}
		attempts = 0

		func() {
			defer stop()
			for {
				select {
				case <-w.stopCh:
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if svc, ok := serviceFromRegistryKey(ev.Key); ok {
						w.Invalidate(svc)
					}
				}
			}
		}()
	}
}

// Stop halts the background watch loop and waits for it to exit.
func (w *WatchableCachedDiscoverer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()
	<-w.done
}

// serviceFromRegistryKey extracts <svc> from a key matching
// service-instances.<svc>.<inst> (canonical) or
// service-instances__<svc>__<inst> (legacy double-underscore form).
func serviceFromRegistryKey(key string) (string, bool) {
	for _, prefix := range []string{"service-instances.", "service-instances__"} {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		sep := "."
		if prefix == "service-instances__" {
			sep = "__"
		}
		rest := key[len(prefix):]
		idx := strings.Index(rest, sep)
		if idx <= 0 {
			return "", false
		}
		return rest[:idx], true
	}
	return "", false
}
