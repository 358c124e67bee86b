// registrar.go: a self-registering instance with a background heartbeat,
// grounded on pkg/env/register.go's Registrar (mutex-guarded struct,
// NewRegistrar, Register starting a ticker-driven heartbeat goroutine
// guarded by stopCh, Deregister closing it down).
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

// Registrar owns the lifecycle of one ServiceInstance's presence in the
// registry: it registers on Start and refreshes the TTL on a fixed
// interval until Stop is called.
type Registrar struct {
	registry *Registry
	logger   mesh.Logger

	mu         sync.Mutex
	instance   ServiceInstance
	ttlSeconds float64
	interval   time.Duration
	stopCh     chan struct{}
	stopped    bool
	started    bool
}

// NewRegistrar builds a Registrar that will heartbeat every interval,
// refreshing a TTL of ttlSeconds.
func NewRegistrar(registry *Registry, logger mesh.Logger, ttlSeconds float64, interval time.Duration) *Registrar {
	if logger == nil {
		logger = mesh.NopLogger()
	}
	return &Registrar{
		registry:   registry,
		logger:     logger,
		ttlSeconds: ttlSeconds,
		interval:   interval,
		stopCh:     make(chan struct{}),
	}
}

// Start registers instance and begins the heartbeat loop. Calling Start
// twice is an error.
func (r *Registrar) Start(ctx context.Context, instance ServiceInstance) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return mesh.ValidationError("registrar", "already started")
	}
	instance.LastHeartbeat = time.Now().UTC()
	r.instance = instance
	r.started = true
	r.mu.Unlock()

	if err := r.registry.Register(ctx, instance, r.ttlSeconds); err != nil {
		return err
	}
	go r.heartbeat()
	return nil
}

func (r *Registrar) heartbeat() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.mu.Lock()
			if r.stopped {
				r.mu.Unlock()
				return
			}
			r.instance.LastHeartbeat = time.Now().UTC()
			instance := r.instance
			r.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.registry.UpdateHeartbeat(ctx, instance, r.ttlSeconds); err != nil {
				r.logger.Warn("registrar: heartbeat failed", "service", instance.ServiceName, "instance", instance.InstanceID, "error", err.Error())
			}
			cancel()
		}
	}
}

// Stop deregisters the instance and halts the heartbeat loop.
func (r *Registrar) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	instance := r.instance
	close(r.stopCh)
	r.mu.Unlock()

	return r.registry.Deregister(ctx, instance.ServiceName, instance.InstanceID)
}

// Instance returns a copy of the instance record currently being
// heartbeat.
func (r *Registrar) Instance() ServiceInstance {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.instance
}
