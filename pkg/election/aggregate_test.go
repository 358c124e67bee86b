package election

import (
	"testing"
	"time"
)

func newTestAggregate() *StickyActiveElection {
	return New("billing", "inst-1", "group-a", 5, 1, 10)
}

func TestAggregateStartsInStandby(t *testing.T) {
	e := newTestAggregate()
	if e.Status() != StatusStandby {
		t.Fatalf("Status() = %s, want STANDBY", e.Status())
	}
	if e.IsActive() {
		t.Fatalf("IsActive() = true in STANDBY")
	}
}

func TestAggregateFullElectionCycle(t *testing.T) {
	e := newTestAggregate()

	ev, err := e.StartElection()
	if err != nil {
		t.Fatalf("StartElection: %v", err)
	}
	if ev.Type != EventElectionStarted {
		t.Errorf("event type = %s, want %s", ev.Type, EventElectionStarted)
	}
	if e.Status() != StatusElecting {
		t.Fatalf("Status() = %s, want ELECTING", e.Status())
	}

	ev, err = e.WinElection()
	if err != nil {
		t.Fatalf("WinElection: %v", err)
	}
	if ev.LeaderID != "inst-1" {
		t.Errorf("WinElection LeaderID = %s, want inst-1", ev.LeaderID)
	}
	if !e.IsActive() {
		t.Fatalf("IsActive() = false after WinElection")
	}

	ev, err = e.StepDown()
	if err != nil {
		t.Fatalf("StepDown: %v", err)
	}
	if ev.Type != EventLeaderSteppedDown {
		t.Errorf("event type = %s, want %s", ev.Type, EventLeaderSteppedDown)
	}
	if e.Status() != StatusStandby {
		t.Fatalf("Status() = %s, want STANDBY after StepDown", e.Status())
	}
}

func TestAggregateLoseElection(t *testing.T) {
	e := newTestAggregate()
	if _, err := e.StartElection(); err != nil {
		t.Fatalf("StartElection: %v", err)
	}
	ev, err := e.LoseElection("inst-2")
	if err != nil {
		t.Fatalf("LoseElection: %v", err)
	}
	if ev.LeaderID != "inst-2" {
		t.Errorf("LoseElection LeaderID = %s, want inst-2", ev.LeaderID)
	}
	if e.Status() != StatusStandby {
		t.Fatalf("Status() = %s, want STANDBY after LoseElection", e.Status())
	}
}

func TestAggregateRejectsInvalidTransitions(t *testing.T) {
	e := newTestAggregate()

	if _, err := e.LoseElection("inst-2"); err == nil {
		t.Error("LoseElection from STANDBY should be rejected")
	}
	if _, err := e.StepDown(); err == nil {
		t.Error("StepDown from STANDBY should be rejected")
	}

	if _, err := e.StartElection(); err != nil {
		t.Fatalf("StartElection: %v", err)
	}
	if _, err := e.StartElection(); err == nil {
		t.Error("StartElection from ELECTING should be rejected")
	}
}

func TestAggregateObserveHeartbeatAndExpired(t *testing.T) {
	e := newTestAggregate()
	at := time.Now().UTC()

	ev := e.ObserveHeartbeat("inst-2", at)
	if ev.Type != EventLeaderHeartbeat {
		t.Errorf("event type = %s, want %s", ev.Type, EventLeaderHeartbeat)
	}
	if !e.LastLeaderHeartbeat().Equal(at) {
		t.Errorf("LastLeaderHeartbeat() = %v, want %v", e.LastLeaderHeartbeat(), at)
	}
	if e.Status() != StatusStandby {
		t.Errorf("ObserveHeartbeat changed status to %s", e.Status())
	}

	ev = e.ObserveExpired()
	if ev.Type != EventLeaderExpiredObserved {
		t.Errorf("event type = %s, want %s", ev.Type, EventLeaderExpiredObserved)
	}
	if ev.LeaderID != "inst-2" {
		t.Errorf("ObserveExpired LeaderID = %s, want inst-2", ev.LeaderID)
	}
}
