// commands.go: durable command handling with progress/completion sideband
// durable command handling with progress/completion sideband.
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// ProgressFunc publishes a progress update for the command currently
// being handled.
type ProgressFunc func(percent float64, status string)

// CommandHandler processes a durable command, optionally reporting
// progress via progress.
type CommandHandler func(ctx context.Context, cmd Command, progress ProgressFunc) (result any, err error)

// CommandBus registers durable command handlers and sends tracked or
// fire-and-forget commands.
type CommandBus struct {
	bus     *Bus
	service string
	logger  Logger
	metrics Metrics
}

// NewCommandBus builds a CommandBus for service, bound to bus.
func NewCommandBus(bus *Bus, service string, logger Logger, metrics Metrics) *CommandBus {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NewInMemoryMetrics()
	}
	return &CommandBus{bus: bus, service: service, logger: logger, metrics: metrics}
}

// RegisterHandler subscribes handler durably to
// commands.<service>.<command> with durable "<service>-<command>",
// manual_ack=true.
func (c *CommandBus) RegisterHandler(ctx context.Context, command string, handler CommandHandler) (Subscription, error) {
	subject := CommandSubject(c.service, command)
	durable := c.service + "-" + command

	cc, err := c.bus.JetStreamSubscribe(ctx, subject, JSSubscribeOptions{Durable: durable, ManualAck: true}, func(msg jetstream.Msg) {
		c.handle(msg, handler)
	})
	if err != nil {
		return nil, err
	}
	return &jsSubscription{cc: cc}, nil
}

func (c *CommandBus) handle(msg jetstream.Msg, handler CommandHandler) {
	var cmd Command
	if err := c.bus.Codec().Deserialize(msg.Data(), &cmd); err != nil {
		c.logger.Warn("command: failed to decode", "subject", msg.Subject(), "error", err.Error())
		_ = msg.Nak()
		c.metrics.Increment("commands.errors", 1)
		return
	}

	progress := func(percent float64, status string) {
		update := CommandProgress{CommandID: cmd.MessageID, Progress: percent, Status: status, Timestamp: time.Now().UTC()}
		data, err := c.bus.Codec().Serialize(update)
		if err != nil {
			return
		}
		_ = c.bus.Publish(CommandProgressSubject(cmd.MessageID), data)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cmd.TimeoutSeconds*float64(time.Second)))
	defer cancel()

	result, err := func() (res any, herr error) {
		defer func() {
			if r := recover(); r != nil {
				herr = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(ctx, cmd, progress)
	}()

	if err != nil {
		c.logger.Warn("command: handler failed", "command", cmd.CommandName, "error", err.Error())
		_ = msg.Nak()
		c.metrics.Increment("commands.errors", 1)
		return
	}

	completion := CommandCompletion{CommandID: cmd.MessageID, Status: "completed", Result: result}
	data, encErr := c.bus.Codec().Serialize(completion)
	if encErr == nil {
		_ = c.bus.Publish(CommandCallbackSubject(cmd.MessageID), data)
	}
	_ = msg.Ack()
}

// SendResult is returned by SendCommand when tracking is disabled: the
// bare publish acknowledgment.
type SendResult struct {
	CommandID string
	Stream    string
	Seq       uint64
}

// SendCommand publishes cmd to commands.<service>.<command> via
// JetStream (with the standard transient-empty-reply retry). When track
// is true, it subscribes to the progress/callback sidebands first and
// blocks until completion or cmd.TimeoutSeconds elapses.
func (c *CommandBus) SendCommand(ctx context.Context, service string, cmd Command, track bool) (*CommandCompletion, *SendResult, error) {
	var (
		progressSub, callbackSub *nats.Subscription
		completion               CommandCompletion
		completed                = make(chan struct{})
		once                     sync.Once
	)

	if track {
		var err error
		progressSub, err = c.bus.Subscribe(CommandProgressSubject(cmd.MessageID), "", func(msg *nats.Msg) {
			var update CommandProgress
			_ = c.bus.Codec().Deserialize(msg.Data, &update)
		})
		if err != nil {
			return nil, nil, err
		}
		callbackSub, err = c.bus.Subscribe(CommandCallbackSubject(cmd.MessageID), "", func(msg *nats.Msg) {
			var comp CommandCompletion
			if err := c.bus.Codec().Deserialize(msg.Data, &comp); err == nil {
				completion = comp
				once.Do(func() { close(completed) })
			}
		})
		if err != nil {
			progressSub.Unsubscribe()
			return nil, nil, err
		}
		defer progressSub.Unsubscribe()
		defer callbackSub.Unsubscribe()
	}

	subject := CommandSubject(service, cmd.CommandName)
	data, err := c.bus.Codec().Serialize(cmd)
	if err != nil {
		return nil, nil, err
	}
	ack, err := c.bus.JetStreamPublish(ctx, subject, data)
	if err != nil {
		return nil, nil, err
	}

	if !track {
		return nil, &SendResult{CommandID: cmd.MessageID, Stream: ack.Stream, Seq: ack.Sequence}, nil
	}

	timeout := time.Duration(cmd.TimeoutSeconds * float64(time.Second))
	select {
	case <-completed:
		return &completion, nil, nil
	case <-time.After(timeout):
		return &CommandCompletion{CommandID: cmd.MessageID, Status: "timeout", Error: "Command timeout"}, nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
