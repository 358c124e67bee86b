package service

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
	"github.com/svcmesh/core/pkg/registry"
)

// newTestBus boots an embedded server and dials a single-connection Bus
// against it, returning the store used for the registry too.
func newTestBus(t *testing.T, bucket string) (*mesh.Bus, *mesh.Store, func()) {
	t.Helper()

	ts, err := mesh.StartTestServer()
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}

	bus, err := mesh.Connect(mesh.ConnectOptions{Servers: []string{ts.ClientURL()}, PoolSize: 1}, nil, nil)
	if err != nil {
		ts.Shutdown()
		t.Fatalf("Connect: %v", err)
	}

	nc, err := ts.Connect()
	if err != nil {
		bus.Close()
		ts.Shutdown()
		t.Fatalf("connect for store: %v", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		bus.Close()
		ts.Shutdown()
		t.Fatalf("jetstream: %v", err)
	}
	store, err := mesh.OpenStore(context.Background(), js, bucket)
	if err != nil {
		nc.Close()
		bus.Close()
		ts.Shutdown()
		t.Fatalf("OpenStore: %v", err)
	}

	cleanup := func() {
		nc.Close()
		bus.Close()
		ts.Shutdown()
	}
	return bus, store, cleanup
}

func TestBaseLifecycleTransitions(t *testing.T) {
	bus, store, cleanup := newTestBus(t, "service_base_test")
	defer cleanup()

	reg := registry.New(store, nil, nil)
	base := NewBase("billing", "inst-1", Deps{Bus: bus, Registry: reg}, Hooks{}, 0, 20*time.Millisecond)

	if base.State() != StateInitializing {
		t.Fatalf("initial state = %s, want INITIALIZING", base.State())
	}

	ctx := context.Background()
	if err := base.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if base.State() != StateStarted {
		t.Fatalf("state after Start = %s, want STARTED", base.State())
	}

	if err := base.RegisterRPC("echo", func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		return nil, nil
	}); err == nil {
		t.Fatalf("RegisterRPC after STARTED should fail")
	}

	if err := base.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if base.State() != StateStopped {
		t.Fatalf("state after Stop = %s, want STOPPED", base.State())
	}
}

func TestBaseRPCRoundTrip(t *testing.T) {
	bus, _, cleanup := newTestBus(t, "service_base_rpc_test")
	defer cleanup()

	base := NewBase("billing", "inst-1", Deps{Bus: bus}, Hooks{}, 0, time.Second)
	if err := base.RegisterRPC("echo", func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		return req.Params, nil
	}); err != nil {
		t.Fatalf("RegisterRPC: %v", err)
	}

	ctx := context.Background()
	if err := base.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer base.Stop(ctx)

	req, err := base.CreateRPCRequest("billing", "echo", map[string]any{"x": float64(1)}, 2.0)
	if err != nil {
		t.Fatalf("CreateRPCRequest: %v", err)
	}

	resp := base.CallRPC(ctx, req)
	if !resp.Success {
		t.Fatalf("CallRPC failed: %s", resp.Error)
	}
}

func TestBaseInvalidStopBeforeStart(t *testing.T) {
	bus, _, cleanup := newTestBus(t, "service_base_invalid_test")
	defer cleanup()

	base := NewBase("billing", "inst-1", Deps{Bus: bus}, Hooks{}, 0, time.Second)
	if err := base.Stop(context.Background()); err == nil {
		t.Fatalf("Stop before Start should fail the transition")
	}
}
