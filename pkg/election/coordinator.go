// coordinator.go: the election coordinator — drives one
// instance's attempt to become and stay the sticky-active group leader.
// Retry/jitter shape grounded on bus.go's JetStreamPublish use of
// cenkalti/backoff/v5.
package election

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts  = 3
	defaultElectionBase = 50 * time.Millisecond
)

// Coordinator owns the election attempt lifecycle for one instance:
// idempotent start_election with bounded retries, staleness-aware
// acquisition, and release.
type Coordinator struct {
	repo   *Repository
	agg    *StickyActiveElection
	onWin  func()
	onLose func()

	ServiceName string
	InstanceID  string
	GroupID     string
	LeaderTTL   time.Duration

	MaxAttempts     int
	ElectionTimeout time.Duration
}

// NewCoordinator builds a Coordinator over repo and agg. onWin and
// onLose, if non-nil, are invoked after a successful/failed election.
func NewCoordinator(repo *Repository, agg *StickyActiveElection, leaderTTL, electionTimeout time.Duration, onWin, onLose func()) *Coordinator {
	return &Coordinator{
		repo:            repo,
		agg:             agg,
		onWin:           onWin,
		onLose:          onLose,
		ServiceName:     agg.ServiceName,
		InstanceID:      agg.InstanceID,
		GroupID:         agg.GroupID,
		LeaderTTL:       leaderTTL,
		MaxAttempts:     defaultMaxAttempts,
		ElectionTimeout: electionTimeout,
	}
}

// StartElection runs an idempotent, bounded-retry election attempt. If
// the aggregate is already ACTIVE this is a no-op success. Retry waits
// start at base and double each time, each randomized by up to ±50%, and
// the whole attempt is bounded by ElectionTimeout.
func (c *Coordinator) StartElection(ctx context.Context) (bool, error) {
	if c.agg.IsActive() {
		return true, nil
	}
	if _, err := c.agg.StartElection(); err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.electionTimeout())
	defer cancel()

	operation := func() (bool, error) {
		won, err := c.tryAcquireLeadership(ctx)
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !won {
			return false, errElectionNotYetWon
		}
		return true, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = defaultElectionBase
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0.5

	won, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxAttempts()),
	)
	if err != nil && !errors.Is(err, errElectionNotYetWon) {
		return false, err
	}

	if won {
		if _, err := c.agg.WinElection(); err != nil {
			return false, err
		}
		if c.onWin != nil {
			c.onWin()
		}
		return true, nil
	}

	leader, lerr := c.repo.GetCurrentLeader(ctx, c.ServiceName, c.GroupID)
	leaderID := ""
	if lerr == nil && leader != nil {
		leaderID = leader.InstanceID
	}
	if _, err := c.agg.LoseElection(leaderID); err != nil {
		return false, err
	}
	if c.onLose != nil {
		c.onLose()
	}
	return false, nil
}

// tryAcquireLeadership makes one acquisition attempt: if the current
// leader record is stale it is treated as absent, then a create-only
// write is attempted.
func (c *Coordinator) tryAcquireLeadership(ctx context.Context) (bool, error) {
	current, err := c.repo.GetCurrentLeader(ctx, c.ServiceName, c.GroupID)
	if err != nil {
		return false, err
	}
	if current != nil && current.InstanceID == c.InstanceID {
		return true, nil
	}
	if current != nil {
		return false, nil
	}
	return c.repo.AttemptLeadership(ctx, c.ServiceName, c.InstanceID, c.GroupID, c.LeaderTTL, nil)
}

// RefreshLeadership extends the leader record's TTL; false means
// leadership has been lost and the caller must step down.
func (c *Coordinator) RefreshLeadership(ctx context.Context) (bool, error) {
	return c.repo.UpdateLeadership(ctx, c.ServiceName, c.InstanceID, c.GroupID, c.LeaderTTL)
}

// ReleaseLeadership steps the aggregate down and releases the leader
// record, in that order so a concurrent observer never sees a released
// key while the aggregate still reports ACTIVE.
func (c *Coordinator) ReleaseLeadership(ctx context.Context) error {
	if c.agg.IsActive() {
		if _, err := c.agg.StepDown(); err != nil {
			return err
		}
	}
	return c.repo.ReleaseLeadership(ctx, c.ServiceName, c.InstanceID, c.GroupID)
}

func (c *Coordinator) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return defaultMaxAttempts
}

func (c *Coordinator) electionTimeout() time.Duration {
	if c.ElectionTimeout > 0 {
		return c.ElectionTimeout
	}
	return time.Duration(c.agg.ElectionTimeoutSeconds * float64(time.Second))
}

// errElectionNotYetWon signals a retryable (not permanent) failure to
// acquire leadership on one attempt; never returned to callers of
// StartElection.
var errElectionNotYetWon = errors.New("election: leadership not acquired on this attempt")
