package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
	"github.com/svcmesh/core/pkg/registry"
)

func newTestDiscoverer(t *testing.T) (*Discoverer, *registry.Registry, func()) {
	t.Helper()
	ts, err := mesh.StartTestServer()
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}
	nc, err := ts.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	store, err := mesh.OpenStore(context.Background(), js, "discovery_test")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	reg := registry.New(store, nil, nil)
	cleanup := func() {
		nc.Close()
		ts.Shutdown()
	}
	return New(reg, time.Minute), reg, cleanup
}

func registerInstance(t *testing.T, reg *registry.Registry, service, id string, healthy bool) {
	t.Helper()
	status := registry.StatusActive
	hb := time.Now().UTC()
	if !healthy {
		status = registry.StatusUnhealthy
	}
	inst := registry.ServiceInstance{ServiceName: service, InstanceID: id, Status: status, LastHeartbeat: hb}
	if err := reg.Register(context.Background(), inst, 60); err != nil {
		t.Fatalf("Register(%s): %v", id, err)
	}
}

func TestDiscoverInstancesFiltersUnhealthy(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()

	registerInstance(t, reg, "billing", "healthy-1", true)
	registerInstance(t, reg, "billing", "sick-1", false)

	all, err := d.DiscoverInstances(context.Background(), "billing", false)
	if err != nil {
		t.Fatalf("DiscoverInstances(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("DiscoverInstances(onlyHealthy=false) = %d instances, want 2", len(all))
	}

	healthy, err := d.DiscoverInstances(context.Background(), "billing", true)
	if err != nil {
		t.Fatalf("DiscoverInstances(healthy): %v", err)
	}
	if len(healthy) != 1 || healthy[0].InstanceID != "healthy-1" {
		t.Errorf("DiscoverInstances(onlyHealthy=true) = %+v, want only healthy-1", healthy)
	}
}

func TestSelectInstanceRoundRobin(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()

	registerInstance(t, reg, "billing", "a", true)
	registerInstance(t, reg, "billing", "b", true)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, err := d.SelectInstance(context.Background(), "billing", RoundRobin, "")
		if err != nil {
			t.Fatalf("SelectInstance: %v", err)
		}
		seen[inst.InstanceID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("round-robin distribution = %+v, want a:2 b:2", seen)
	}
}

func TestSelectInstanceSticky(t *testing.T) {
	d, reg, cleanup := newTestDiscoverer(t)
	defer cleanup()

	registerInstance(t, reg, "billing", "a", true)
	registerInstance(t, reg, "billing", "b", true)

	inst, err := d.SelectInstance(context.Background(), "billing", Sticky, "b")
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	if inst.InstanceID != "b" {
		t.Errorf("SelectInstance(Sticky, preferred=b) = %s, want b", inst.InstanceID)
	}
}

func TestSelectInstanceNoInstances(t *testing.T) {
	d, _, cleanup := newTestDiscoverer(t)
	defer cleanup()

	if _, err := d.SelectInstance(context.Background(), "ghost", RoundRobin, ""); err != mesh.ErrNoInstances {
		t.Errorf("SelectInstance on empty service = %v, want ErrNoInstances", err)
	}
}
