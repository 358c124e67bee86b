// aggregate.go: the StickyActiveElection aggregate — status, transition
// validation, and the domain events an election emits. Grounded on
// service.Base's mutex-guarded lifecycle state machine shape,
// generalized from the five-state service lifecycle to the three-state
// election one.
package election

import (
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

// Status is the aggregate's current election state.
type Status string

const (
	StatusStandby  Status = "STANDBY"
	StatusElecting Status = "ELECTING"
	StatusActive   Status = "ACTIVE"
)

// EventType names a domain event the aggregate emits on a transition.
type EventType string

const (
	EventElectionStarted       EventType = "election.started"
	EventElectionWon           EventType = "election.won"
	EventElectionLost          EventType = "election.lost"
	EventLeaderSteppedDown     EventType = "leader.stepped_down"
	EventLeaderHeartbeat       EventType = "leader.heartbeat_updated"
	EventLeaderExpiredObserved EventType = "leader.expired_observed"
)

// DomainEvent is one state-change notification emitted by the aggregate.
type DomainEvent struct {
	Type     EventType
	At       time.Time
	LeaderID string
}

// allowedTransitions enumerates every legal Status -> Status edge.
var allowedTransitions = map[Status]map[Status]bool{
	StatusStandby:  {StatusElecting: true, StatusActive: true},
	StatusElecting: {StatusActive: true, StatusStandby: true},
	StatusActive:   {StatusStandby: true},
}

// StickyActiveElection tracks one instance's participation in a
// sticky-active group's leader election.
type StickyActiveElection struct {
	ServiceName string
	InstanceID  string
	GroupID     string

	LeaderTTLSeconds       float64
	HeartbeatIntervalS     float64
	ElectionTimeoutSeconds float64

	StartedAt time.Time

	mu                  sync.Mutex
	status              Status
	leaderInstanceID    string
	lastLeaderHeartbeat time.Time
	lastElectionAttempt time.Time
	becameLeaderAt      time.Time
}

// New builds a StickyActiveElection in STANDBY.
func New(serviceName, instanceID, groupID string, leaderTTLSeconds, heartbeatIntervalS, electionTimeoutSeconds float64) *StickyActiveElection {
	return &StickyActiveElection{
		ServiceName:            serviceName,
		InstanceID:             instanceID,
		GroupID:                groupID,
		LeaderTTLSeconds:       leaderTTLSeconds,
		HeartbeatIntervalS:     heartbeatIntervalS,
		ElectionTimeoutSeconds: electionTimeoutSeconds,
		StartedAt:              time.Now().UTC(),
		status:                 StatusStandby,
	}
}

// Status returns the current election status.
func (e *StickyActiveElection) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// IsActive reports whether this instance currently believes itself to
// be the group's leader.
func (e *StickyActiveElection) IsActive() bool {
	return e.Status() == StatusActive
}

// transition validates and applies a status change, returning the
// resulting domain event. Callers hold e.mu.
func (e *StickyActiveElection) transition(to Status, evt EventType, leaderID string) (DomainEvent, error) {
	if !allowedTransitions[e.status][to] {
		return DomainEvent{}, mesh.ErrInvalidTransition
	}
	e.status = to
	now := time.Now().UTC()
	if to == StatusActive {
		e.becameLeaderAt = now
		e.leaderInstanceID = e.InstanceID
	}
	return DomainEvent{Type: evt, At: now, LeaderID: leaderID}, nil
}

// StartElection moves STANDBY -> ELECTING, emitting election.started.
func (e *StickyActiveElection) StartElection() (DomainEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastElectionAttempt = time.Now().UTC()
	return e.transition(StatusElecting, EventElectionStarted, "")
}

// WinElection moves ELECTING -> ACTIVE, emitting election.won.
func (e *StickyActiveElection) WinElection() (DomainEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(StatusActive, EventElectionWon, e.InstanceID)
}

// LoseElection moves ELECTING -> STANDBY, emitting election.lost.
func (e *StickyActiveElection) LoseElection(leaderID string) (DomainEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(StatusStandby, EventElectionLost, leaderID)
}

// StepDown moves ACTIVE -> STANDBY, emitting leader.stepped_down.
func (e *StickyActiveElection) StepDown() (DomainEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transition(StatusStandby, EventLeaderSteppedDown, "")
}

// ObserveHeartbeat records a fresh heartbeat from leaderID, emitting
// leader.heartbeat_updated without changing status.
func (e *StickyActiveElection) ObserveHeartbeat(leaderID string, at time.Time) DomainEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leaderInstanceID = leaderID
	e.lastLeaderHeartbeat = at
	return DomainEvent{Type: EventLeaderHeartbeat, At: at, LeaderID: leaderID}
}

// ObserveExpired records that the currently-known leader's heartbeat has
// gone stale, emitting leader.expired_observed without changing status
// (the coordinator decides whether and when to trigger a new election).
func (e *StickyActiveElection) ObserveExpired() DomainEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	leaderID := e.leaderInstanceID
	return DomainEvent{Type: EventLeaderExpiredObserved, At: time.Now().UTC(), LeaderID: leaderID}
}

// LastLeaderHeartbeat returns the last observed leader heartbeat time.
func (e *StickyActiveElection) LastLeaderHeartbeat() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLeaderHeartbeat
}
