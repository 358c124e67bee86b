// repository.go: the election repository — atomic leader-key CAS
// over the KV adapter. Grounded on the KV CAS building blocks kv.go
// exposes (create_only Put, revision-checked Put, read-verified
// Delete), themselves generalized from NATSNode.KV()'s direct
// jetstream.KeyValue handle.
package election

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

// LeaderRecord is the value stored at the leader key.
type LeaderRecord struct {
	InstanceID    string         `json:"instance_id"`
	ServiceName   string         `json:"service_name"`
	GroupID       string         `json:"group_id"`
	ElectedAt     time.Time      `json:"elected_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	TTLSeconds    float64        `json:"ttl_seconds"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// LeadershipEventType classifies a watch_leadership notification.
type LeadershipEventType string

const (
	LeadershipElected LeadershipEventType = "elected"
	LeadershipLost    LeadershipEventType = "lost"
	LeadershipExpired LeadershipEventType = "expired"
)

// LeadershipEvent is one notification from WatchLeadership.
type LeadershipEvent struct {
	Type      LeadershipEventType
	LeaderID  string
	Metadata  map[string]any
	Timestamp time.Time
}

// Repository performs the CAS operations backing leader election.
type Repository struct {
	store *mesh.Store
}

// NewRepository builds a Repository over store.
func NewRepository(store *mesh.Store) *Repository {
	return &Repository{store: store}
}

// AttemptLeadership performs a create-only write of the leader record.
// If the key already holds a record whose heartbeat is older than its
// TTL, that record is replaced with a revision-checked write. false (not
// an error) means someone else holds the key with a fresh heartbeat, or
// won the race to replace the stale one.
func (r *Repository) AttemptLeadership(ctx context.Context, service, instance, group string, ttl time.Duration, meta map[string]any) (bool, error) {
	key := mesh.LeaderKey(service, group)
	now := time.Now().UTC()
	rec := LeaderRecord{
		InstanceID:    instance,
		ServiceName:   service,
		GroupID:       group,
		ElectedAt:     now,
		LastHeartbeat: now,
		TTLSeconds:    ttl.Seconds(),
		Metadata:      meta,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, mesh.SerializationError("attempt_leadership", err)
	}

	_, err = r.store.Put(ctx, key, data, mesh.KVOptions{CreateOnly: true, TTL: ttl})
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, mesh.ErrKeyAlreadyExists) {
		return false, err
	}

	entry, err := r.store.Get(ctx, key)
	if err != nil {
		return false, nil
	}
	var current LeaderRecord
	if err := json.Unmarshal(entry.Value, &current); err != nil ||
		time.Since(current.LastHeartbeat) <= time.Duration(current.TTLSeconds*float64(time.Second)) {
		return false, nil
	}
	if _, err := r.store.Put(ctx, key, data, mesh.KVOptions{Revision: entry.Revision, TTL: ttl}); err != nil {
		if errors.Is(err, mesh.ErrRevisionMismatch) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdateLeadership refreshes the leader record's heartbeat, succeeding
// only if instance is still the recorded leader. false means leadership
// was lost (record absent, owned by someone else, or a concurrent
// writer won the CAS race).
func (r *Repository) UpdateLeadership(ctx context.Context, service, instance, group string, ttl time.Duration) (bool, error) {
	key := mesh.LeaderKey(service, group)
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, mesh.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}

	var current LeaderRecord
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return false, mesh.SerializationError("update_leadership", err)
	}
	if current.InstanceID != instance {
		return false, nil
	}

	current.LastHeartbeat = time.Now().UTC()
	data, err := json.Marshal(current)
	if err != nil {
		return false, mesh.SerializationError("update_leadership", err)
	}

	_, err = r.store.Put(ctx, key, data, mesh.KVOptions{Revision: entry.Revision, TTL: ttl})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, mesh.ErrRevisionMismatch) {
		return false, nil
	}
	return false, err
}

// ReleaseLeadership deletes the leader record after verifying instance
// currently owns it.
func (r *Repository) ReleaseLeadership(ctx context.Context, service, instance, group string) error {
	key := mesh.LeaderKey(service, group)
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, mesh.ErrKeyNotFound) {
			return nil
		}
		return err
	}
	var current LeaderRecord
	if err := json.Unmarshal(entry.Value, &current); err != nil {
		return mesh.SerializationError("release_leadership", err)
	}
	if current.InstanceID != instance {
		return mesh.ErrReleaseWithoutOwner
	}
	_, err = r.store.Delete(ctx, key, entry.Revision)
	return err
}

// GetCurrentLeader reads the leader record, treating a heartbeat older
// than its TTL as "no leader" (returns nil, nil).
func (r *Repository) GetCurrentLeader(ctx context.Context, service, group string) (*LeaderRecord, error) {
	key := mesh.LeaderKey(service, group)
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, mesh.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var rec LeaderRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, mesh.SerializationError("get_current_leader", err)
	}
	if time.Since(rec.LastHeartbeat) > time.Duration(rec.TTLSeconds*float64(time.Second)) {
		return nil, nil
	}
	return &rec, nil
}

// WatchLeadership adapts the KV watch events for the leader key into
// LeadershipEvents: PUT -> elected, DELETE/PURGE -> lost (the key had
// been observed present) or expired (it had already gone absent/stale).
func (r *Repository) WatchLeadership(ctx context.Context, service, group string) (<-chan LeadershipEvent, func() error, error) {
	key := mesh.LeaderKey(service, group)
	events, stop, err := r.store.Watch(ctx, key)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan LeadershipEvent, 8)
	go func() {
		defer close(out)
		sawLeader := false
		for ev := range events {
			now := time.Now().UTC()
			switch ev.Operation {
			case mesh.KVPut:
				sawLeader = true
				var rec LeaderRecord
				leaderID := ""
				if ev.Entry != nil {
					if err := json.Unmarshal(ev.Entry.Value, &rec); err == nil {
						leaderID = rec.InstanceID
					}
				}
				out <- LeadershipEvent{Type: LeadershipElected, LeaderID: leaderID, Timestamp: now}
			case mesh.KVDelete, mesh.KVPurge:
				if sawLeader {
					out <- LeadershipEvent{Type: LeadershipLost, Timestamp: now}
				} else {
					out <- LeadershipEvent{Type: LeadershipExpired, Timestamp: now}
				}
				sawLeader = false
			}
		}
	}()
	return out, stop, nil
}

// SaveElectionState persists the aggregate's state at an underscore-
// separated key.
func (r *Repository) SaveElectionState(ctx context.Context, service, instance, group string, state any) error {
	key := mesh.ElectionStateKey(service, instance, group)
	data, err := json.Marshal(state)
	if err != nil {
		return mesh.SerializationError("save_election_state", err)
	}
	_, err = r.store.Put(ctx, key, data, mesh.KVOptions{})
	return err
}

// GetElectionState reads the persisted aggregate state into out, or
// returns (false, nil) if absent.
func (r *Repository) GetElectionState(ctx context.Context, service, instance, group string, out any) (bool, error) {
	key := mesh.ElectionStateKey(service, instance, group)
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, mesh.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return false, mesh.SerializationError("get_election_state", err)
	}
	return true, nil
}

// DeleteElectionState removes the persisted aggregate state.
func (r *Repository) DeleteElectionState(ctx context.Context, service, instance, group string) error {
	key := mesh.ElectionStateKey(service, instance, group)
	_, err := r.store.Delete(ctx, key, 0)
	return err
}
