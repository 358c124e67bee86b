package election

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
)

func TestMonitorClampsInterval(t *testing.T) {
	repo := &Repository{}
	agg := New("billing", "inst-1", "group-a", 5, 1, 2)

	if got := NewMonitor(repo, agg, 0).interval; got != defaultMonitorInterval {
		t.Errorf("interval for 0 = %v, want %v", got, defaultMonitorInterval)
	}
	if got := NewMonitor(repo, agg, time.Millisecond).interval; got != minMonitorInterval {
		t.Errorf("interval below min = %v, want %v", got, minMonitorInterval)
	}
	if got := NewMonitor(repo, agg, time.Minute).interval; got != maxMonitorInterval {
		t.Errorf("interval above max = %v, want %v", got, maxMonitorInterval)
	}
}

func TestMonitorTriggersElectionAfterLeaderGone(t *testing.T) {
	ts, err := mesh.StartTestServer()
	if err != nil {
		t.Fatalf("StartTestServer: %v", err)
	}
	defer ts.Shutdown()
	nc, err := ts.Connect()
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	js, err := jetstream.New(nc)
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	store, err := mesh.OpenStore(context.Background(), js, "election_monitor_test")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	repo := NewRepository(store)
	ctx := context.Background()

	if _, err := repo.AttemptLeadership(ctx, "billing", "holder", "group-a", 30*time.Millisecond, nil); err != nil {
		t.Fatalf("AttemptLeadership: %v", err)
	}

	watcherAgg := New("billing", "watcher", "group-a", 5, 1, 2)
	coord := NewCoordinator(repo, watcherAgg, 5*time.Second, 2*time.Second, nil, nil)

	mon := NewMonitor(repo, watcherAgg, 10*time.Millisecond)
	mon.ElectionDelay = 20 * time.Millisecond
	mon.SetElectionTrigger(coord)

	runCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	mon.Start(runCtx)
	defer mon.Stop()

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if watcherAgg.IsActive() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("watcher never became ACTIVE after holder's lease expired")
}
