package service

import (
	"context"
	"testing"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

func TestSingleActiveElectsExactlyOneLeader(t *testing.T) {
	bus1, store, cleanup := newTestBus(t, "service_sticky_test")
	defer cleanup()

	electOpts := ElectionOptions{MonitorInterval: 20 * time.Millisecond, DetectionThreshold: 20 * time.Millisecond, ElectionDelay: 20 * time.Millisecond}

	base1 := NewBase("billing", "inst-1", Deps{Bus: bus1}, Hooks{}, 0, time.Hour)
	sa1 := NewSingleActive(base1, store, "primary", 300*time.Millisecond, 100*time.Millisecond, time.Second, electOpts)

	// Both contenders share the one bus connection the embedded server
	// exposes; leadership is arbitrated entirely through the KV store, so
	// this still exercises two independent instances contending.
	base2 := NewBase("billing", "inst-2", Deps{Bus: bus1}, Hooks{}, 0, time.Hour)
	sa2 := NewSingleActive(base2, store, "primary", 300*time.Millisecond, 100*time.Millisecond, time.Second, electOpts)

	ctx := context.Background()
	if err := sa1.Start(ctx); err != nil {
		t.Fatalf("sa1.Start: %v", err)
	}
	defer sa1.Stop(ctx)
	if err := sa2.Start(ctx); err != nil {
		t.Fatalf("sa2.Start: %v", err)
	}
	defer sa2.Stop(ctx)

	deadline := time.Now().Add(2 * time.Second)
	var activeCount int
	for time.Now().Before(deadline) {
		activeCount = 0
		if sa1.IsActive() {
			activeCount++
		}
		if sa2.IsActive() {
			activeCount++
		}
		if activeCount == 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly one active instance, got %d", activeCount)
	}
}

func TestSingleActiveExclusiveGatesNonLeader(t *testing.T) {
	bus, store, cleanup := newTestBus(t, "service_sticky_exclusive_test")
	defer cleanup()

	base := NewBase("billing", "inst-1", Deps{Bus: bus}, Hooks{}, 0, time.Hour)
	electOpts := ElectionOptions{MonitorInterval: 20 * time.Millisecond, DetectionThreshold: 20 * time.Millisecond, ElectionDelay: 20 * time.Millisecond}
	sa := NewSingleActive(base, store, "primary", 300*time.Millisecond, 100*time.Millisecond, time.Second, electOpts)

	called := false
	handler := sa.Exclusive(func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		called = true
		return "ok", nil
	})

	req, err := mesh.NewRPCRequest("billing", "do_thing", nil, 1)
	if err != nil {
		t.Fatalf("NewRPCRequest: %v", err)
	}

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if called {
		t.Fatalf("handler should not run before leadership is won")
	}
	payload, ok := result.(map[string]any)
	if !ok || payload["error"] != "NOT_ACTIVE" {
		t.Fatalf("expected NOT_ACTIVE payload, got %#v", result)
	}

	ctx := context.Background()
	if err := sa.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sa.Stop(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && !sa.IsActive() {
		time.Sleep(10 * time.Millisecond)
	}
	if !sa.IsActive() {
		t.Fatalf("sole contender never became active")
	}

	result, err = handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !called {
		t.Fatalf("handler should run once leadership is held")
	}
	if result != "ok" {
		t.Fatalf("expected handler result, got %#v", result)
	}
}
