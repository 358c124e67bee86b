package election

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
)

func newTestCoordinator(t *testing.T, instance string) (*Coordinator, *Repository, func()) {
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
	store, err := mesh.OpenStore(context.Background(), js, "election_coord_test")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	repo := NewRepository(store)
	agg := New("billing", instance, "group-a", 5, 1, 2)
	coord := NewCoordinator(repo, agg, 5*time.Second, 2*time.Second, nil, nil)

	cleanup := func() {
		nc.Close()
		ts.Shutdown()
	}
	return coord, repo, cleanup
}

func TestCoordinatorFirstElectorWins(t *testing.T) {
	coord, _, cleanup := newTestCoordinator(t, "inst-1")
	defer cleanup()

	won, err := coord.StartElection(context.Background())
	if err != nil {
		t.Fatalf("StartElection: %v", err)
	}
	if !won {
		t.Fatalf("StartElection = false, want true (uncontested)")
	}
	if !coord.agg.IsActive() {
		t.Errorf("aggregate not ACTIVE after winning election")
	}
}

func TestCoordinatorSecondElectorLoses(t *testing.T) {
	coordA, repo, cleanup := newTestCoordinator(t, "inst-1")
	defer cleanup()

	if _, err := coordA.StartElection(context.Background()); err != nil {
		t.Fatalf("StartElection(inst-1): %v", err)
	}

	aggB := New("billing", "inst-2", "group-a", 5, 1, 2)
	coordB := NewCoordinator(repo, aggB, 5*time.Second, 2*time.Second, nil, nil)
	won, err := coordB.StartElection(context.Background())
	if err != nil {
		t.Fatalf("StartElection(inst-2): %v", err)
	}
	if won {
		t.Fatalf("StartElection(inst-2) = true, want false (already held by inst-1)")
	}
	if coordB.agg.IsActive() {
		t.Errorf("inst-2 aggregate reports ACTIVE after losing election")
	}
}

func TestCoordinatorRefreshAndRelease(t *testing.T) {
	coord, _, cleanup := newTestCoordinator(t, "inst-1")
	defer cleanup()
	ctx := context.Background()

	if _, err := coord.StartElection(ctx); err != nil {
		t.Fatalf("StartElection: %v", err)
	}

	ok, err := coord.RefreshLeadership(ctx)
	if err != nil {
		t.Fatalf("RefreshLeadership: %v", err)
	}
	if !ok {
		t.Errorf("RefreshLeadership = false, want true")
	}

	if err := coord.ReleaseLeadership(ctx); err != nil {
		t.Fatalf("ReleaseLeadership: %v", err)
	}
	if coord.agg.IsActive() {
		t.Errorf("aggregate still ACTIVE after ReleaseLeadership")
	}

	leader, err := coord.repo.GetCurrentLeader(ctx, "billing", "group-a")
	if err != nil {
		t.Fatalf("GetCurrentLeader: %v", err)
	}
	if leader != nil {
		t.Errorf("GetCurrentLeader after release = %+v, want nil", leader)
	}
}
