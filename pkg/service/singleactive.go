// singleactive.go: a Base composed with leader election, gating
// designated handlers to the currently-elected instance. Grounded on
// the way manager.go's Manager composes a Registrar onto a NATSNode: a
// base type wrapped by an owner that adds one more background
// lifecycle concern.
package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/svcmesh/core/pkg/election"
	"github.com/svcmesh/core/pkg/mesh"
)

// ElectionOptions carries the monitor/coordinator tuning knobs that sit
// alongside leaderTTL/heartbeatInterval/electionTimeout in
// mesh.Config.Election, kept as a separate struct since they all default
// sensibly to zero and would otherwise crowd NewSingleActive's signature.
type ElectionOptions struct {
	// MonitorInterval is how often the staleness monitor polls the
	// leader record. Zero defaults to the monitor's own default.
	MonitorInterval time.Duration
	// DetectionThreshold is how long a missing leader record must
	// persist before it is treated as confirmed staleness rather than a
	// single missed read. Zero defaults to MonitorInterval.
	DetectionThreshold time.Duration
	// ElectionDelay is how long confirmed staleness must persist, on
	// top of DetectionThreshold, before an election actually fires.
	// Zero defaults to MonitorInterval.
	ElectionDelay time.Duration
	// MaxAttempts bounds the coordinator's acquisition retries per
	// election. Zero defaults to the coordinator's own default.
	MaxAttempts int
}

// SingleActive composes Base with a sticky-active election: exactly one
// instance per GroupID is elected leader at a time, and handlers wrapped
// with Exclusive run only on that instance.
type SingleActive struct {
	*Base

	GroupID                string
	LeaderTTL              time.Duration
	HeartbeatInterval      time.Duration
	ElectionTimeoutSeconds time.Duration

	repo        *election.Repository
	aggregate   *election.StickyActiveElection
	coordinator *election.Coordinator
	monitor     *election.Monitor

	isActive atomic.Bool

	refreshStop chan struct{}
	refreshDone chan struct{}
}

// NewSingleActive builds a SingleActive over base, participating in
// group's election with the given leader TTL and heartbeat interval
// (heartbeatInterval must stay strictly below leaderTTL). opts tunes the
// staleness monitor's two-phase wait and the coordinator's retry budget;
// its zero value is a reasonable default.
func NewSingleActive(base *Base, store *mesh.Store, group string, leaderTTL, heartbeatInterval, electionTimeout time.Duration, opts ElectionOptions) *SingleActive {
	repo := election.NewRepository(store)
	agg := election.New(base.ServiceName, base.InstanceID, group, leaderTTL.Seconds(), heartbeatInterval.Seconds(), electionTimeout.Seconds())

	sa := &SingleActive{
		Base:                   base,
		GroupID:                group,
		LeaderTTL:              leaderTTL,
		HeartbeatInterval:      heartbeatInterval,
		ElectionTimeoutSeconds: electionTimeout,
		repo:                   repo,
		aggregate:              agg,
	}

	sa.coordinator = election.NewCoordinator(repo, agg, leaderTTL, electionTimeout,
		func() { sa.isActive.Store(true) },
		func() { sa.isActive.Store(false) },
	)
	if opts.MaxAttempts > 0 {
		sa.coordinator.MaxAttempts = opts.MaxAttempts
	}

	sa.monitor = election.NewMonitor(repo, agg, opts.MonitorInterval)
	sa.monitor.DetectionThreshold = opts.DetectionThreshold
	sa.monitor.ElectionDelay = opts.ElectionDelay
	sa.monitor.SetElectionTrigger(sa.coordinator)

	return sa
}

// IsActive reports whether this instance currently holds group leadership.
func (sa *SingleActive) IsActive() bool { return sa.isActive.Load() }

// Start runs the base start sequence, then enters the election: starts
// the staleness monitor and makes an initial attempt at leadership
// (standing by if it loses), and launches the leader-key refresh loop.
func (sa *SingleActive) Start(ctx context.Context) error {
	if err := sa.Base.Start(ctx); err != nil {
		return err
	}

	sa.monitor.Start(ctx)

	if _, err := sa.coordinator.StartElection(ctx); err != nil {
		sa.Base.Logger().Warn("single_active: initial election failed", "service", sa.ServiceName, "group", sa.GroupID, "error", err.Error())
	}

	sa.refreshStop = make(chan struct{})
	sa.refreshDone = make(chan struct{})
	go sa.runRefresh()

	return nil
}

// refreshInterval is max(0.5s, leader_ttl/3), matching the documented
// leader-key refresh cadence.
func (sa *SingleActive) refreshInterval() time.Duration {
	third := sa.LeaderTTL / 3
	if third < 500*time.Millisecond {
		return 500 * time.Millisecond
	}
	return third
}

// runRefresh extends the leader lease on every tick while this instance
// is active; a failed refresh immediately flips IsActive to false and
// exits the loop (the monitor will drive the next election attempt).
func (sa *SingleActive) runRefresh() {
	defer close(sa.refreshDone)

	ticker := time.NewTicker(sa.refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-sa.refreshStop:
			return
		case <-ticker.C:
			if !sa.isActive.Load() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), sa.LeaderTTL)
			ok, err := sa.coordinator.RefreshLeadership(ctx)
			cancel()
			if err != nil || !ok {
				sa.isActive.Store(false)
				return
			}
		}
	}
}

// Exclusive wraps handler so it only runs on the currently active
// instance; non-leader instances get a structured NOT_ACTIVE result and
// sticky_active.rpc.not_active is incremented, while a successful
// invocation increments sticky_active.rpc.processed.
func (sa *SingleActive) Exclusive(handler mesh.RPCHandler) mesh.RPCHandler {
	return func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		if !sa.IsActive() {
			sa.Metrics().Increment("sticky_active.rpc.not_active", 1)
			return map[string]any{
				"success": false,
				"error":   "NOT_ACTIVE",
				"message": "this instance is not the active leader for " + sa.GroupID,
			}, nil
		}
		sa.Metrics().Increment("sticky_active.rpc.processed", 1)
		return handler(ctx, req)
	}
}

// Stop cancels the monitor and refresh loop, releases leadership if
// held, and delegates to the base stop sequence.
func (sa *SingleActive) Stop(ctx context.Context) error {
	sa.monitor.Stop()

	if sa.refreshStop != nil {
		close(sa.refreshStop)
		select {
		case <-sa.refreshDone:
		case <-time.After(2 * time.Second):
		}
	}

	sa.isActive.Store(false)
	if err := sa.coordinator.ReleaseLeadership(ctx); err != nil {
		sa.Base.Logger().Warn("single_active: release leadership failed", "service", sa.ServiceName, "group", sa.GroupID, "error", err.Error())
	}

	return sa.Base.Stop(ctx)
}
