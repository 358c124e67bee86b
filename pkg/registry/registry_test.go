package registry

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
)

func newTestRegistry(t *testing.T) (*Registry, func()) {
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
	store, err := mesh.OpenStore(context.Background(), js, "registry_test")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	cleanup := func() {
		nc.Close()
		ts.Shutdown()
	}
	return New(store, nil, nil), cleanup
}

func TestRegistryRegisterAndGet(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()

	inst := ServiceInstance{
		ServiceName:   "billing",
		InstanceID:    "inst-1",
		Version:       "1.0.0",
		Status:        StatusActive,
		LastHeartbeat: time.Now().UTC(),
	}

	if err := reg.Register(context.Background(), inst, 30); err != nil {
		t.Fatalf("Register: %v", err)
	}

	got, err := reg.GetInstance(context.Background(), "billing", "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil {
		t.Fatal("GetInstance returned nil for a registered instance")
	}
	if got.ServiceName != "billing" || got.InstanceID != "inst-1" {
		t.Errorf("GetInstance = %+v, want service billing/inst-1", got)
	}
}

func TestRegistryGetInstanceAbsent(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()

	got, err := reg.GetInstance(context.Background(), "billing", "does-not-exist")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got != nil {
		t.Errorf("GetInstance = %+v, want nil for absent instance", got)
	}
}

func TestRegistryUpdateHeartbeatSelfHeals(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()

	inst := ServiceInstance{
		ServiceName:   "billing",
		InstanceID:    "inst-2",
		Status:        StatusActive,
		LastHeartbeat: time.Now().UTC(),
	}

	// No prior Register call: heartbeat on an absent record should
	// re-register rather than fail.
	if err := reg.UpdateHeartbeat(context.Background(), inst, 30); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}

	got, err := reg.GetInstance(context.Background(), "billing", "inst-2")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if got == nil {
		t.Fatal("expected self-healing registration to be visible")
	}
}

func TestRegistryDeregisterAbsentIsNotError(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()

	if err := reg.Deregister(context.Background(), "billing", "never-registered"); err != nil {
		t.Errorf("Deregister of absent instance returned error: %v", err)
	}
}

func TestRegistryListInstancesAndAllServices(t *testing.T) {
	reg, cleanup := newTestRegistry(t)
	defer cleanup()
	ctx := context.Background()

	instances := []ServiceInstance{
		{ServiceName: "billing", InstanceID: "a", Status: StatusActive, LastHeartbeat: time.Now().UTC()},
		{ServiceName: "billing", InstanceID: "b", Status: StatusActive, LastHeartbeat: time.Now().UTC()},
		{ServiceName: "shipping", InstanceID: "c", Status: StatusActive, LastHeartbeat: time.Now().UTC()},
	}
	for _, inst := range instances {
		if err := reg.Register(ctx, inst, 30); err != nil {
			t.Fatalf("Register(%s/%s): %v", inst.ServiceName, inst.InstanceID, err)
		}
	}

	billing, err := reg.ListInstances(ctx, "billing")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(billing) != 2 {
		t.Errorf("ListInstances(billing) returned %d instances, want 2", len(billing))
	}

	all, err := reg.ListAllServices(ctx)
	if err != nil {
		t.Fatalf("ListAllServices: %v", err)
	}
	if len(all["billing"]) != 2 || len(all["shipping"]) != 1 {
		t.Errorf("ListAllServices = %+v, want billing:2 shipping:1", all)
	}
}
