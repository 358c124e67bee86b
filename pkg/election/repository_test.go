package election

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/svcmesh/core/pkg/mesh"
)

func newTestRepository(t *testing.T) (*Repository, func()) {
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
	store, err := mesh.OpenStore(context.Background(), js, "election_test")
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	cleanup := func() {
		nc.Close()
		ts.Shutdown()
	}
	return NewRepository(store), cleanup
}

func TestAttemptLeadershipFirstWinsSecondLoses(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	won, err := repo.AttemptLeadership(ctx, "billing", "inst-1", "group-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("AttemptLeadership(inst-1): %v", err)
	}
	if !won {
		t.Fatalf("AttemptLeadership(inst-1) = false, want true")
	}

	won, err = repo.AttemptLeadership(ctx, "billing", "inst-2", "group-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("AttemptLeadership(inst-2): %v", err)
	}
	if won {
		t.Fatalf("AttemptLeadership(inst-2) = true, want false (already held)")
	}
}

func TestUpdateLeadershipRequiresOwnership(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.AttemptLeadership(ctx, "billing", "inst-1", "group-a", time.Minute, nil); err != nil {
		t.Fatalf("AttemptLeadership: %v", err)
	}

	ok, err := repo.UpdateLeadership(ctx, "billing", "inst-1", "group-a", time.Minute)
	if err != nil {
		t.Fatalf("UpdateLeadership(owner): %v", err)
	}
	if !ok {
		t.Errorf("UpdateLeadership(owner) = false, want true")
	}

	ok, err = repo.UpdateLeadership(ctx, "billing", "inst-2", "group-a", time.Minute)
	if err != nil {
		t.Fatalf("UpdateLeadership(non-owner): %v", err)
	}
	if ok {
		t.Errorf("UpdateLeadership(non-owner) = true, want false")
	}
}

func TestReleaseLeadershipThenReacquire(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.AttemptLeadership(ctx, "billing", "inst-1", "group-a", time.Minute, nil); err != nil {
		t.Fatalf("AttemptLeadership: %v", err)
	}
	if err := repo.ReleaseLeadership(ctx, "billing", "inst-1", "group-a"); err != nil {
		t.Fatalf("ReleaseLeadership: %v", err)
	}

	won, err := repo.AttemptLeadership(ctx, "billing", "inst-2", "group-a", time.Minute, nil)
	if err != nil {
		t.Fatalf("AttemptLeadership(inst-2) after release: %v", err)
	}
	if !won {
		t.Errorf("AttemptLeadership(inst-2) after release = false, want true")
	}
}

func TestReleaseLeadershipWithoutOwnershipFails(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.AttemptLeadership(ctx, "billing", "inst-1", "group-a", time.Minute, nil); err != nil {
		t.Fatalf("AttemptLeadership: %v", err)
	}
	if err := repo.ReleaseLeadership(ctx, "billing", "inst-2", "group-a"); err != mesh.ErrReleaseWithoutOwner {
		t.Errorf("ReleaseLeadership(non-owner) = %v, want ErrReleaseWithoutOwner", err)
	}
}

func TestGetCurrentLeaderTreatsStaleHeartbeatAsAbsent(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	if _, err := repo.AttemptLeadership(ctx, "billing", "inst-1", "group-a", 10*time.Millisecond, nil); err != nil {
		t.Fatalf("AttemptLeadership: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	leader, err := repo.GetCurrentLeader(ctx, "billing", "group-a")
	if err != nil {
		t.Fatalf("GetCurrentLeader: %v", err)
	}
	if leader != nil {
		t.Errorf("GetCurrentLeader = %+v, want nil (stale)", leader)
	}
}

func TestElectionStateRoundTrip(t *testing.T) {
	repo, cleanup := newTestRepository(t)
	defer cleanup()
	ctx := context.Background()

	type state struct {
		Status string `json:"status"`
	}
	want := state{Status: "ACTIVE"}
	if err := repo.SaveElectionState(ctx, "billing", "inst-1", "group-a", want); err != nil {
		t.Fatalf("SaveElectionState: %v", err)
	}

	var got state
	found, err := repo.GetElectionState(ctx, "billing", "inst-1", "group-a", &got)
	if err != nil {
		t.Fatalf("GetElectionState: %v", err)
	}
	if !found || got != want {
		t.Errorf("GetElectionState = (%v, %+v), want (true, %+v)", found, got, want)
	}

	if err := repo.DeleteElectionState(ctx, "billing", "inst-1", "group-a"); err != nil {
		t.Fatalf("DeleteElectionState: %v", err)
	}
	found, err = repo.GetElectionState(ctx, "billing", "inst-1", "group-a", &got)
	if err != nil {
		t.Fatalf("GetElectionState after delete: %v", err)
	}
	if found {
		t.Errorf("GetElectionState after delete = found, want absent")
	}
}
