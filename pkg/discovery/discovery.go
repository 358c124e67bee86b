// discovery.go: query the registry and select one instance among the
// results. Generalizes pkg/env/discovery.go's GetService/GetAllServices
// (KV Keys() + per-key Get + JSON decode loop) from "return every
// registration" into "return only healthy ones, then pick one by
// strategy" — the query loop itself is delegated to registry.Registry,
// which already owns that shape.
package discovery

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
	"github.com/svcmesh/core/pkg/registry"
)

// Strategy selects one instance among several discovered candidates.
type Strategy string

const (
	RoundRobin Strategy = "ROUND_ROBIN"
	Random     Strategy = "RANDOM"
	Sticky     Strategy = "STICKY"
)

const defaultHeartbeatTimeout = 30 * time.Second

// Discoverer queries the registry for instances of a service and picks
// one according to a selection strategy.
type Discoverer struct {
	registry *registry.Registry

	heartbeatTimeout time.Duration

	mu       sync.Mutex
	counters map[string]uint64 // round-robin cursor per service
}

// New builds a Discoverer over registry, using heartbeatTimeout to judge
// instance health (0 selects the default of 30s).
func New(reg *registry.Registry, heartbeatTimeout time.Duration) *Discoverer {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Discoverer{registry: reg, heartbeatTimeout: heartbeatTimeout, counters: make(map[string]uint64)}
}

// DiscoverInstances returns every instance registered for service,
// optionally filtered to those passing the health rule.
func (d *Discoverer) DiscoverInstances(ctx context.Context, service string, onlyHealthy bool) ([]registry.ServiceInstance, error) {
	instances, err := d.registry.ListInstances(ctx, service)
	if err != nil {
		return nil, err
	}
	if !onlyHealthy {
		return instances, nil
	}

	now := time.Now().UTC()
	healthy := instances[:0:0]
	for _, inst := range instances {
		if inst.Healthy(now, d.heartbeatTimeout) {
			healthy = append(healthy, inst)
		}
	}
	return healthy, nil
}

// SelectInstance discovers healthy instances of service and picks one
// according to strategy. preferredID is only consulted by Sticky.
func (d *Discoverer) SelectInstance(ctx context.Context, service string, strategy Strategy, preferredID string) (*registry.ServiceInstance, error) {
	instances, err := d.DiscoverInstances(ctx, service, true)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, mesh.ErrNoInstances
	}

	switch strategy {
	case RoundRobin:
		d.mu.Lock()
		idx := d.counters[service] % uint64(len(instances))
		d.counters[service]++
		d.mu.Unlock()
		return &instances[idx], nil

	case Random:
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(instances))))
		if err != nil {
			return nil, mesh.InfrastructureError("select_instance_random", err)
		}
		return &instances[n.Int64()], nil

	case Sticky:
		if preferredID != "" {
			for i := range instances {
				if instances[i].InstanceID == preferredID {
					return &instances[i], nil
				}
			}
		}
		return &instances[0], nil

	default:
		return nil, mesh.ValidationError("strategy", "must be ROUND_ROBIN, RANDOM, or STICKY")
	}
}
