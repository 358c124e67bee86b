// kv.go: the KV adapter — a bucket-backed key/value store with
// CAS semantics and watch support, built over the same
// jetstream.KeyValue handle nats.go's NATSNode stores as a plain field.
// Where NATSNode hands that handle straight to callers via KV(), Store
// wraps Put/Get/Delete/Watch with the create_only/update_only/revision
// policy this port needs. Store uses keys exactly as given: it does not
// apply SanitizeKVKey, so callers pass keys the bucket accepts. TTLs are
// hints only: entries never expire on their own.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// KVEntry is one stored value with its revision and timestamps.
type KVEntry struct {
	Key       string
	Value     []byte
	Revision  uint64
	CreatedAt time.Time
	UpdatedAt time.Time
	TTL       time.Duration
}

// KVOptions configures a Put. CreateOnly and UpdateOnly are mutually
// exclusive.
type KVOptions struct {
	// TTL is accepted as a hint; Put neither stores nor enforces it.
	TTL time.Duration
	// Revision, when non-zero and neither CreateOnly nor UpdateOnly is
	// set, is verified against the current entry before the put.
	Revision uint64
	// CreateOnly succeeds only if the key is currently absent.
	CreateOnly bool
	// UpdateOnly succeeds only if the key is currently present, using
	// Revision if set or the current revision otherwise.
	UpdateOnly bool
	// RequireTTL requests a server-enforced per-message TTL rather than a
	// hint. Buckets opened by OpenStore have no per-message TTL support,
	// so a Put with RequireTTL and a non-zero TTL fails with
	// ErrTTLNotSupported.
	RequireTTL bool
}

func (o KVOptions) validate() error {
	if o.CreateOnly && o.UpdateOnly {
		return ValidationError("options", "create_only and update_only are mutually exclusive")
	}
	return nil
}

// KVOperation classifies a KVWatchEvent.
type KVOperation int

const (
	KVPut KVOperation = iota
	KVDelete
	KVPurge
)

func (o KVOperation) String() string {
	switch o {
	case KVPut:
		return "PUT"
	case KVDelete:
		return "DELETE"
	case KVPurge:
		return "PURGE"
	default:
		return "UNKNOWN"
	}
}

// KVWatchEvent is one change observed on a watched key or prefix. Entry
// is set only for KVPut.
type KVWatchEvent struct {
	Operation KVOperation
	Key       string
	Entry     *KVEntry
}

const (
	kvHistory    = 10
	kvMaxValue   = 1 << 20 // 1 MiB
	defaultTTL   = 0       // no bucket-wide default TTL
)

// Store is a lazily-bucketed KV adapter over one jetstream.KeyValue
// bucket.
type Store struct {
	kv     jetstream.KeyValue
	bucket string
}

// OpenStore creates (or attaches to) bucket with history=10, file
// storage, a 1 MiB max value size, and no default TTL, lazily matching
// NATSNode's "services_registry" bucket bootstrap generalized to an
// arbitrary bucket name.
func OpenStore(ctx context.Context, js jetstream.JetStream, bucket string) (*Store, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       bucket,
		History:      kvHistory,
		Storage:      jetstream.FileStorage,
		MaxValueSize: kvMaxValue,
		TTL:          defaultTTL,
	})
	if err != nil {
		return nil, InfrastructureError("open_kv_bucket", err, "bucket", bucket)
	}
	return &Store{kv: kv, bucket: bucket}, nil
}

// Put writes value at key according to opts, returning the resulting
// entry.
func (s *Store) Put(ctx context.Context, key string, value []byte, opts KVOptions) (*KVEntry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.RequireTTL && opts.TTL > 0 {
		return nil, KVTTLNotSupportedError(key)
	}

	switch {
	case opts.CreateOnly:
		rev, err := s.kv.Create(ctx, key, value)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyExists) {
				return nil, KVKeyAlreadyExistsError(key)
			}
			return nil, KVStoreError("put", err, "key", key, "mode", "create_only")
		}
		return s.entryAt(ctx, key, rev, value)

	case opts.UpdateOnly:
		rev := opts.Revision
		if rev == 0 {
			entry, err := s.kv.Get(ctx, key)
			if err != nil {
				if errors.Is(err, jetstream.ErrKeyNotFound) {
					return nil, ErrKeyNotFound
				}
				return nil, KVStoreError("put", err, "key", key, "mode", "update_only")
			}
			rev = entry.Revision()
		}
		newRev, err := s.kv.Update(ctx, key, value, rev)
		if err != nil {
			if isRevisionMismatch(err) {
				return nil, KVRevisionMismatchError(key, rev, 0)
			}
			return nil, KVStoreError("put", err, "key", key, "mode", "update_only")
		}
		return s.entryAt(ctx, key, newRev, value)

	case opts.Revision != 0:
		newRev, err := s.kv.Update(ctx, key, value, opts.Revision)
		if err != nil {
			if isRevisionMismatch(err) {
				return nil, KVRevisionMismatchError(key, opts.Revision, 0)
			}
			return nil, KVStoreError("put", err, "key", key, "mode", "revision")
		}
		return s.entryAt(ctx, key, newRev, value)

	default:
		rev, err := s.kv.Put(ctx, key, value)
		if err != nil {
			return nil, KVStoreError("put", err, "key", key)
		}
		return s.entryAt(ctx, key, rev, value)
	}
}

func isRevisionMismatch(err error) bool {
	return err != nil && (errors.Is(err, jetstream.ErrKeyExists) ||
		fmt.Sprintf("%v", err) == "nats: wrong last sequence")
}

func (s *Store) entryAt(ctx context.Context, key string, revision uint64, value []byte) (*KVEntry, error) {
	now := time.Now().UTC()
	return &KVEntry{Key: key, Value: value, Revision: revision, CreatedAt: now, UpdatedAt: now}, nil
}

// Get reads the current value of key.
func (s *Store) Get(ctx context.Context, key string) (*KVEntry, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, KVStoreError("get", err, "key", key)
	}
	return &KVEntry{
		Key:       key,
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		CreatedAt: entry.Created(),
		UpdatedAt: entry.Created(),
	}, nil
}

// Delete removes key, reporting false if it was already absent.
func (s *Store) Delete(ctx context.Context, key string, revision uint64) (bool, error) {
	// The bucket's Delete writes a delete marker even for an absent key,
	// so absence is checked first.
	if _, err := s.kv.Get(ctx, key); errors.Is(err, jetstream.ErrKeyNotFound) {
		return false, nil
	}
	var err error
	if revision != 0 {
		err = s.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	} else {
		err = s.kv.Delete(ctx, key)
	}
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return false, nil
		}
		return false, KVStoreError("delete", err, "key", key)
	}
	return true, nil
}

// Purge removes all revisions of key.
func (s *Store) Purge(ctx context.Context, key string) error {
	if err := s.kv.Purge(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return KVStoreError("purge", err, "key", key)
	}
	return nil
}

// History returns up to limit historical entries for key, newest first.
func (s *Store) History(ctx context.Context, key string, limit int) ([]*KVEntry, error) {
	entries, err := s.kv.History(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, KVStoreError("history", err, "key", key)
	}
	out := make([]*KVEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := entries[i]
		out = append(out, &KVEntry{
			Key: key, Value: e.Value(), Revision: e.Revision(), CreatedAt: e.Created(), UpdatedAt: e.Created(),
		})
	}
	return out, nil
}

// Keys lists every key under prefix (a KV key prefix, not a subject
// pattern).
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, KVStoreError("keys", err, "prefix", prefix)
	}
	var out []string
	for key := range lister.Keys() {
		if prefix == "" || (len(key) >= len(prefix) && key[:len(prefix)] == prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

// Watch streams changes under a single key or a dot-terminated prefix.
// Passing both is illegal; callers must choose one addressing mode.
func (s *Store) Watch(ctx context.Context, keyOrPrefix string) (<-chan KVWatchEvent, func() error, error) {
	watchSubject := keyOrPrefix
	if watchSubject == "" {
		watchSubject = ">"
	} else if watchSubject[len(watchSubject)-1] == '.' {
		watchSubject += ">"
	}
	watcher, err := s.kv.Watch(ctx, watchSubject)
	if err != nil {
		return nil, nil, KVStoreError("watch", err, "key", keyOrPrefix)
	}

	out := make(chan KVWatchEvent, 16)
	go func() {
		defer close(out)
		for entry := range watcher.Updates() {
			if entry == nil {
				continue // end-of-initial-state marker
			}
			switch entry.Operation() {
			case jetstream.KeyValuePut:
				out <- KVWatchEvent{Operation: KVPut, Key: entry.Key(), Entry: &KVEntry{
					Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision(), CreatedAt: entry.Created(), UpdatedAt: entry.Created(),
				}}
			case jetstream.KeyValueDelete:
				out <- KVWatchEvent{Operation: KVDelete, Key: entry.Key()}
			case jetstream.KeyValuePurge:
				out <- KVWatchEvent{Operation: KVPurge, Key: entry.Key()}
			}
		}
	}()

	return out, watcher.Stop, nil
}
