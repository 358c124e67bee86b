// events.go: event publish/subscribe — durable event delivery with
// two distribution modes (compete, broadcast).
package mesh

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// EventMode selects how a subscription shares delivery across instances
// of a service.
type EventMode int

const (
	// ModeCompete delivers each message to exactly one instance of the
	// service (a shared queue group / consumer).
	ModeCompete EventMode = iota
	// ModeBroadcast delivers each message to every instance independently
	// (one durable consumer per instance).
	ModeBroadcast
)

// EventHandler processes one delivered event.
type EventHandler func(ctx context.Context, ev Event) error

// EventBus publishes and subscribes to domain events.
type EventBus struct {
	bus     *Bus
	service string
	metrics Metrics
	logger  Logger
}

// NewEventBus builds an EventBus for service, bound to bus.
func NewEventBus(bus *Bus, service string, logger Logger, metrics Metrics) *EventBus {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &EventBus{bus: bus, service: service, logger: logger, metrics: metrics}
}

// PublishEvent publishes ev to events.<domain>.<event_type> via JetStream,
// retrying transient empty-replies, and increments
// events.published.<domain>.<type> on success.
func (b *EventBus) PublishEvent(ctx context.Context, ev Event) error {
	subject := EventSubject(ev.Domain, ev.EventType)
	data, err := b.bus.Codec().Serialize(ev)
	if err != nil {
		return err
	}
	if _, err := b.bus.JetStreamPublish(ctx, subject, data); err != nil {
		return err
	}
	b.metrics.Increment(fmt.Sprintf("events.published.%s.%s", ev.Domain, ev.EventType), 1)
	return nil
}

// Subscription is a cancellable handle to an active event subscription.
type Subscription interface {
	Stop() error
}

type coreSubscription struct{ sub *nats.Subscription }

func (s *coreSubscription) Stop() error { return s.sub.Unsubscribe() }

type jsSubscription struct{ cc jetstream.ConsumeContext }

func (s *jsSubscription) Stop() error {
	s.cc.Stop()
	return nil
}

// SubscribeOptions configures SubscribeEvent.
type SubscribeOptions struct {
	// Durable names this instance's durable consumer in broadcast mode;
	// ignored in compete mode (which derives its durable from the queue
	// group) and ignored for wildcard patterns (core subscriptions carry
	// no durable name).
	Durable string
	// InstanceID disambiguates broadcast consumers across instances of
	// the same service.
	InstanceID string
	Mode       EventMode
}

// SubscribeEvent subscribes to pattern, dispatching decoded Events to
// handler. Patterns containing '*' or '>' always use a non-durable core
// subscription (wildcards have no durable support in the current
// contract); both modes behave identically in that case. Concrete
// patterns use a durable JetStream subscription: compete
// mode shares one consumer via a queue named after the service; broadcast
// mode gives each instance its own durable (<durable>-<instance_id>) with
// no queue.
func (b *EventBus) SubscribeEvent(ctx context.Context, pattern string, opts SubscribeOptions, handler EventHandler) (Subscription, error) {
	if !IsValidEventPattern(pattern) {
		return nil, ValidationError("pattern", fmt.Sprintf("invalid event pattern %q", pattern))
	}

	subject := eventSubjectFromPattern(pattern)
	wrapped := func(ctx context.Context, data []byte) error {
		var ev Event
		if err := b.bus.Codec().Deserialize(data, &ev); err != nil {
			return err
		}
		return handler(ctx, ev)
	}

	if strings.ContainsAny(pattern, "*>") {
		sub, err := b.bus.Subscribe(subject, "", func(msg *nats.Msg) {
			if err := wrapped(context.Background(), msg.Data); err != nil {
				b.logger.Warn("event: handler failed", "subject", msg.Subject, "error", err.Error())
			}
		})
		if err != nil {
			return nil, err
		}
		return &coreSubscription{sub: sub}, nil
	}

	jsOpts := JSSubscribeOptions{ManualAck: true}
	switch opts.Mode {
	case ModeCompete:
		jsOpts.Queue = b.service
	case ModeBroadcast:
		durable := opts.Durable
		if durable == "" {
			durable = b.service
		}
		jsOpts.Durable = durable + "-" + opts.InstanceID
	default:
		return nil, ValidationError("mode", "must be compete or broadcast")
	}

	cc, err := b.bus.JetStreamSubscribe(ctx, subject, jsOpts, func(msg jetstream.Msg) {
		if err := wrapped(context.Background(), msg.Data()); err != nil {
			b.logger.Warn("event: handler failed, nak", "subject", msg.Subject(), "error", err.Error())
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, err
	}
	return &jsSubscription{cc: cc}, nil
}

// eventSubjectFromPattern converts an event-type pattern (possibly
// wildcarded) into the events.<pattern> subject space.
func eventSubjectFromPattern(pattern string) string {
	return "events." + pattern
}
