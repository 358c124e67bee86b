// registry.go: register/heartbeat/deregister/get/list over a KV bucket,
// keyed service-instances.<svc>.<inst>. Generalizes
// pkg/env/register.go's store()/heartbeat() pair (marshal + kv.Put on a
// ticker) from one self-describing local registration into a general
// registry any instance's record can be written, queried, and enumerated
// through.
package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/svcmesh/core/pkg/mesh"
)

// Registry is the KV-backed store of ServiceInstance records.
type Registry struct {
	store   *mesh.Store
	logger  mesh.Logger
	metrics mesh.Metrics
}

// New builds a Registry over store.
func New(store *mesh.Store, logger mesh.Logger, metrics mesh.Metrics) *Registry {
	if logger == nil {
		logger = mesh.NopLogger()
	}
	if metrics == nil {
		metrics = mesh.NewInMemoryMetrics()
	}
	return &Registry{store: store, logger: logger, metrics: metrics}
}

// Register writes instance with a TTL, failing with a KVStoreError
// tagged "register" on any KV failure.
func (r *Registry) Register(ctx context.Context, instance ServiceInstance, ttlSeconds float64) error {
	key := mesh.ServiceInstanceKey(instance.ServiceName, instance.InstanceID)
	data, err := json.Marshal(instance)
	if err != nil {
		return mesh.SerializationError("register", err)
	}
	opts := mesh.KVOptions{TTL: secondsToDuration(ttlSeconds)}
	if _, err := r.store.Put(ctx, key, data, opts); err != nil {
		return mesh.KVStoreError("register", err, "key", key)
	}
	r.metrics.Increment("registry.register."+instance.ServiceName, 1)
	return nil
}

// UpdateHeartbeat refreshes instance's TTL. If the record is absent —
// evicted or never written, e.g. after a KV restart — it self-heals by
// re-registering rather than failing.
func (r *Registry) UpdateHeartbeat(ctx context.Context, instance ServiceInstance, ttlSeconds float64) error {
	key := mesh.ServiceInstanceKey(instance.ServiceName, instance.InstanceID)
	if _, err := r.store.Get(ctx, key); err != nil {
		if err == mesh.ErrKeyNotFound {
			r.logger.Warn("registry: heartbeat target missing, re-registering", "key", key)
			return r.Register(ctx, instance, ttlSeconds)
		}
		return mesh.KVStoreError("update_heartbeat", err, "key", key)
	}

	data, err := json.Marshal(instance)
	if err != nil {
		return mesh.SerializationError("update_heartbeat", err)
	}
	opts := mesh.KVOptions{TTL: secondsToDuration(ttlSeconds)}
	if _, err := r.store.Put(ctx, key, data, opts); err != nil {
		return mesh.KVStoreError("update_heartbeat", err, "key", key)
	}
	return nil
}

// Deregister removes an instance's record. Absence is not an error —
// the caller's intent (the instance should not be registered) is
// already satisfied.
func (r *Registry) Deregister(ctx context.Context, service, instance string) error {
	key := mesh.ServiceInstanceKey(service, instance)
	existed, err := r.store.Delete(ctx, key, 0)
	if err != nil {
		return mesh.KVStoreError("deregister", err, "key", key)
	}
	if !existed {
		r.logger.Info("registry: deregister of absent instance", "key", key)
	}
	return nil
}

// GetInstance reads one instance's record, or (nil, nil) if absent.
func (r *Registry) GetInstance(ctx context.Context, service, instance string) (*ServiceInstance, error) {
	key := mesh.ServiceInstanceKey(service, instance)
	entry, err := r.store.Get(ctx, key)
	if err != nil {
		if err == mesh.ErrKeyNotFound {
			return nil, nil
		}
		return nil, mesh.KVStoreError("get_instance", err, "key", key)
	}
	inst, err := decodeInstance(entry.Value)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

// ListInstances enumerates every instance registered for service.
func (r *Registry) ListInstances(ctx context.Context, service string) ([]ServiceInstance, error) {
	prefix := mesh.ServiceInstancePrefix(service)
	keys, err := r.store.Keys(ctx, prefix)
	if err != nil {
		return nil, mesh.KVStoreError("list_instances", err, "service", service)
	}
	var out []ServiceInstance
	for _, key := range keys {
		entry, err := r.store.Get(ctx, key)
		if err != nil {
			continue // evicted between Keys and Get; skip rather than fail the whole list
		}
		inst, err := decodeInstance(entry.Value)
		if err != nil {
			r.logger.Warn("registry: skipping undecodable record", "key", key, "error", err.Error())
			continue
		}
		out = append(out, *inst)
	}
	return out, nil
}

// ListAllServices enumerates every registered instance across every
// service, grouped by service name.
func (r *Registry) ListAllServices(ctx context.Context) (map[string][]ServiceInstance, error) {
	keys, err := r.store.Keys(ctx, "service-instances.")
	if err != nil {
		return nil, mesh.KVStoreError("list_all_services", err)
	}
	out := make(map[string][]ServiceInstance)
	for _, key := range keys {
		entry, err := r.store.Get(ctx, key)
		if err != nil {
			continue
		}
		inst, err := decodeInstance(entry.Value)
		if err != nil {
			continue
		}
		out[inst.ServiceName] = append(out[inst.ServiceName], *inst)
	}
	return out, nil
}

// decodeInstance accepts either the canonical snake_case wire shape or
// the legacy camelCase one, normalizing to ServiceInstance.
func decodeInstance(data []byte) (*ServiceInstance, error) {
	var inst ServiceInstance
	if err := json.Unmarshal(data, &inst); err == nil && inst.ServiceName != "" {
		return &inst, nil
	}
	var legacy legacyServiceInstance
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, mesh.SerializationError("decode_instance", err)
	}
	return &ServiceInstance{
		ServiceName:        legacy.ServiceName,
		InstanceID:         legacy.InstanceID,
		Version:            legacy.Version,
		Status:             legacy.Status,
		LastHeartbeat:      legacy.LastHeartbeat,
		StickyActiveGroup:  legacy.StickyActiveGroup,
		StickyActiveStatus: legacy.StickyActiveStatus,
		Metadata:           legacy.Metadata,
	}, nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
