// bus.go: the bus adapter — connection pool, JetStream bootstrap, and
// publish/subscribe/request primitives with retry on the bus's known
// transient empty-reply bug.
//
// Generalizes pkg/env/nats.go's StartNATSNode/NATSNode: where that code
// embeds exactly one NATS server+client and stores a single
// jetstream.JetStream/jetstream.KeyValue pair as struct fields, Bus keeps a
// pool of client connections (round-robin with liveness fallback, sized by
// bus.pool_size) and exposes the same style of typed verb methods
// (Publish/Subscribe/QueueSubscribe on NATSNode become Publish/Subscribe/
// QueueSubscribe/Request/JetStreamPublish/JetStreamSubscribe on Bus).
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	streamEvents   = "EVENTS"
	streamCommands = "COMMANDS"

	eventsMaxMsgs   = 100_000
	commandsMaxMsgs = 10_000

	jsPublishMaxAttempts = 3
	jsPublishBaseDelay   = 10 * time.Millisecond
)

// Bus maintains a round-robin pool of connections to bus servers and the
// shared JetStream context built over them.
type Bus struct {
	mu      sync.Mutex
	conns   []*nats.Conn
	next    int
	js      jetstream.JetStream
	codec   *Codec
	logger  Logger
	metrics Metrics
}

// ConnectOptions configures Connect; these mirror the bus.* fields of
// mesh.Config, which callers copy over field by field.
type ConnectOptions struct {
	Servers           []string
	PoolSize          int
	ReconnectAttempts int
	ReconnectWaitS    float64
	UseBinaryCodec    bool
	NATSOptions       []nats.Option
}

// Connect dials PoolSize connections (default 1, max 10) against Servers
// (default one localhost server) and initializes a shared JetStream
// context.
func Connect(opts ConnectOptions, logger Logger, metrics Metrics) (*Bus, error) {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	servers := opts.Servers
	if len(servers) == 0 {
		servers = []string{"nats://localhost:4222"}
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	if poolSize > 10 {
		poolSize = 10
	}
	reconnectAttempts := opts.ReconnectAttempts
	if reconnectAttempts <= 0 {
		reconnectAttempts = 10
	}
	reconnectWait := opts.ReconnectWaitS
	if reconnectWait <= 0 {
		reconnectWait = 2.0
	}

	natsOpts := append([]nats.Option{
		nats.MaxReconnects(reconnectAttempts),
		nats.ReconnectWait(time.Duration(reconnectWait * float64(time.Second))),
	}, opts.NATSOptions...)

	conns := make([]*nats.Conn, 0, poolSize)
	for i := 0; i < poolSize; i++ {
		server := servers[i%len(servers)]
		nc, err := nats.Connect(server, natsOpts...)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return nil, InfrastructureError("connect", err, "server", server)
		}
		conns = append(conns, nc)
	}

	js, err := jetstream.New(conns[0])
	if err != nil {
		for _, c := range conns {
			c.Close()
		}
		return nil, InfrastructureError("jetstream_init", err)
	}

	b := &Bus{
		conns:   conns,
		js:      js,
		codec:   NewCodec(opts.UseBinaryCodec),
		logger:  logger,
		metrics: metrics,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.EnsureStreams(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// EnsureStreams creates the EVENTS and COMMANDS streams if absent, per
// Subjects follow the events.> and commands.> namespaces.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	if _, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamEvents,
		Subjects: []string{"events.>"},
		Retention: jetstream.LimitsPolicy,
		MaxMsgs:  eventsMaxMsgs,
	}); err != nil {
		return InfrastructureError("ensure_stream", err, "stream", streamEvents)
	}
	if _, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamCommands,
		Subjects:  []string{"commands.>"},
		Retention: jetstream.WorkQueuePolicy,
		MaxMsgs:   commandsMaxMsgs,
	}); err != nil {
		return InfrastructureError("ensure_stream", err, "stream", streamCommands)
	}
	return nil
}

// pickConn selects a connection round-robin, falling back to the next
// live one if the chosen connection is dead.
func (b *Bus) pickConn() (*nats.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.conns)
	for i := 0; i < n; i++ {
		idx := (b.next + i) % n
		c := b.conns[idx]
		if c.IsConnected() || c.IsReconnecting() {
			b.next = (idx + 1) % n
			return c, nil
		}
	}
	return nil, ErrPoolExhausted
}

// JetStream returns the shared JetStream context.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Codec returns the negotiated wire codec.
func (b *Bus) Codec() *Codec { return b.codec }

// Request performs a core request/reply with the given timeout, returning
// the raw reply bytes or ErrTimeout.
func (b *Bus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	conn, err := b.pickConn()
	if err != nil {
		return nil, err
	}
	msg, err := conn.RequestWithContext(withTimeout(ctx, timeout), subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, InfrastructureError("request", err, "subject", subject)
	}
	return msg.Data, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) context.Context {
	if timeout <= 0 {
		return ctx
	}
	c, _ := context.WithTimeout(ctx, timeout)
	return c
}

// Publish performs a core (non-durable) publish.
func (b *Bus) Publish(subject string, data []byte) error {
	conn, err := b.pickConn()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return InfrastructureError("publish", err, "subject", subject)
	}
	return nil
}

// Subscribe creates a core (non-durable) subscription, with or without a
// queue group.
func (b *Bus) Subscribe(subject string, queue string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	conn, err := b.pickConn()
	if err != nil {
		return nil, err
	}
	var sub *nats.Subscription
	if queue != "" {
		sub, err = conn.QueueSubscribe(subject, queue, handler)
	} else {
		sub, err = conn.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, InfrastructureError("subscribe", err, "subject", subject, "queue", queue)
	}
	return sub, nil
}

// JetStreamPublish publishes durably via JetStream, making up to 3
// attempts with 10ms*2^attempt backoff on the bus's known transient
// empty-reply bug; other errors are not retried.
func (b *Bus) JetStreamPublish(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	var ack *jetstream.PubAck
	operation := func() (*jetstream.PubAck, error) {
		a, err := b.js.Publish(ctx, subject, data)
		if err != nil {
			if isTransientEmptyReply(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return a, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = jsPublishBaseDelay
	expBackoff.Multiplier = 2
	expBackoff.RandomizationFactor = 0

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(jsPublishMaxAttempts),
	)
	if err != nil {
		return nil, InfrastructureError("jetstream_publish", err, "subject", subject)
	}
	ack = result
	return ack, nil
}

// isTransientEmptyReply recognizes the bus's known transient
// empty-reply-on-publish-ack condition, the sole retryable publish failure.
func isTransientEmptyReply(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) ||
		err.Error() == "nats: no message found" || err.Error() == "unexpected response"
}

// JSSubscribeOptions configures a durable JetStream subscription, per
// Durable and Queue must not both be set: when Queue is
// set it doubles as the consumer-group/durable name.
type JSSubscribeOptions struct {
	Durable   string
	Queue     string
	ManualAck bool
}

// JetStreamSubscribe creates a durable, manually-acked JetStream
// subscription. When Queue is set it serves as both the queue group and
// the consumer's durable name and must not be combined with Durable.
func (b *Bus) JetStreamSubscribe(ctx context.Context, subject string, opts JSSubscribeOptions, handler func(jetstream.Msg)) (jetstream.ConsumeContext, error) {
	if opts.Durable != "" && opts.Queue != "" {
		return nil, ValidationError("durable", "must not be combined with queue")
	}

	consumerName := opts.Durable
	consumerCfg := jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	}
	if opts.Queue != "" {
		consumerName = opts.Queue
		consumerCfg.Durable = opts.Queue
		consumerCfg.DeliverGroup = opts.Queue
	} else {
		consumerCfg.Durable = consumerName
	}
	if consumerName == "" {
		return nil, ValidationError("durable", "must be set (directly or via queue)")
	}

	streamName, err := streamForSubject(subject)
	if err != nil {
		return nil, err
	}

	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, consumerCfg)
	if err != nil {
		return nil, InfrastructureError("jetstream_subscribe", err, "subject", subject, "durable", consumerName)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg)
	})
	if err != nil {
		return nil, InfrastructureError("jetstream_consume", err, "subject", subject)
	}
	return cc, nil
}

func streamForSubject(subject string) (string, error) {
	switch {
	case len(subject) >= 7 && subject[:7] == "events.":
		return streamEvents, nil
	case len(subject) >= 9 && subject[:9] == "commands.":
		return streamCommands, nil
	default:
		return "", ValidationError("subject", fmt.Sprintf("no durable stream covers subject %q", subject))
	}
}

// Close drains and closes every pooled connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, c := range b.conns {
		if err := c.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
		c.Close()
	}
	return firstErr
}
