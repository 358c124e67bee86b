// base.go: the service base — lifecycle state machine, handler
// registries wired to the messaging fabric, a heartbeat task, and
// call-site RPC helpers. Grounded on manager.go's Manager (functional
// options, New(prefix, opts...), mutex-guarded closed bool, Parse/Close
// sequencing), generalized into an explicit five-state lifecycle.
package service

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/svcmesh/core/pkg/discovery"
	"github.com/svcmesh/core/pkg/mesh"
	"github.com/svcmesh/core/pkg/registry"
)

// State is the service's lifecycle state.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateStarting     State = "STARTING"
	StateStarted      State = "STARTED"
	StateStopping     State = "STOPPING"
	StateStopped      State = "STOPPED"
	StateFailed       State = "FAILED"
)

var allowedStateTransitions = map[State]map[State]bool{
	StateInitializing: {StateStarting: true},
	StateStarting:     {StateStarted: true, StateFailed: true},
	StateStarted:      {StateStopping: true, StateFailed: true},
	StateStopping:     {StateStopped: true, StateFailed: true},
	StateStopped:      {},
	StateFailed:       {},
}

// Hooks are optional lifecycle callbacks invoked by Start/Stop.
type Hooks struct {
	OnStart   func(ctx context.Context) error
	OnStarted func(ctx context.Context)
	OnStop    func(ctx context.Context) error
}

// Deps bundles the collaborators a Base needs; Registry and Discoverer
// are optional (nil disables registration / discovery-backed routing).
type Deps struct {
	Bus      *mesh.Bus
	Logger   mesh.Logger
	Metrics  mesh.Metrics
	Registry *registry.Registry
	Discover *discovery.Discoverer
	Strategy discovery.Strategy
}

// Base implements the shared service lifecycle: registry registration,
// RPC/event/command handler wiring, a heartbeat task, and discovery-aware
// RPC calls. Concrete services embed Base and add domain handlers.
type Base struct {
	ServiceName string
	InstanceID  string

	deps  Deps
	hooks Hooks

	registryTTL       float64
	heartbeatInterval time.Duration

	rpcServer *mesh.RPCServer
	rpcClient *mesh.RPCClient
	eventBus  *mesh.EventBus
	cmdBus    *mesh.CommandBus
	registrar *registry.Registrar

	mu    sync.Mutex
	state State

	heartbeatStop chan struct{}
	heartbeatDone chan struct{}
}

// NewBase builds a Base in INITIALIZING for serviceName/instanceID.
// registryTTLSeconds and heartbeatInterval default to 30s / 10s (per the
// documented registry defaults) when zero.
func NewBase(serviceName, instanceID string, deps Deps, hooks Hooks, registryTTLSeconds float64, heartbeatInterval time.Duration) *Base {
	if deps.Logger == nil {
		deps.Logger = mesh.NopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = mesh.NewInMemoryMetrics()
	}
	if registryTTLSeconds == 0 {
		registryTTLSeconds = 30
	}
	if heartbeatInterval == 0 {
		heartbeatInterval = 10 * time.Second
	}

	b := &Base{
		ServiceName:       serviceName,
		InstanceID:        instanceID,
		deps:              deps,
		hooks:             hooks,
		registryTTL:       registryTTLSeconds,
		heartbeatInterval: heartbeatInterval,
		state:             StateInitializing,
		rpcServer:         mesh.NewRPCServer(deps.Bus, serviceName, deps.Logger, deps.Metrics),
		rpcClient:         mesh.NewRPCClient(deps.Bus, deps.Metrics),
		eventBus:          mesh.NewEventBus(deps.Bus, serviceName, deps.Logger, deps.Metrics),
		cmdBus:            mesh.NewCommandBus(deps.Bus, serviceName, deps.Logger, deps.Metrics),
	}
	if deps.Registry != nil {
		b.registrar = registry.NewRegistrar(deps.Registry, deps.Logger, registryTTLSeconds, heartbeatInterval)
	}
	return b
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Base) transition(to State) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !allowedStateTransitions[b.state][to] {
		return mesh.ErrInvalidTransition
	}
	b.state = to
	return nil
}

// canRegisterHandlers reports whether the lifecycle state currently
// permits RegisterRPC/RegisterEvent/RegisterCommand.
func (b *Base) canRegisterHandlers() bool {
	s := b.State()
	return s == StateInitializing || s == StateStarting
}

// RegisterRPC wires handler to method. Allowed only while INITIALIZING or
// STARTING.
func (b *Base) RegisterRPC(method string, handler mesh.RPCHandler) error {
	if !b.canRegisterHandlers() {
		return mesh.LifecycleError("register_rpc_handler", fmt.Sprintf("not allowed in state %s", b.State()))
	}
	return b.rpcServer.RegisterHandler(method, handler)
}

// RegisterEvent subscribes handler to pattern. Allowed only while
// INITIALIZING or STARTING; the subscription itself is established
// immediately (event subscriptions have no separate "wire at start"
// step distinct from RPC/command registration in this port).
func (b *Base) RegisterEvent(ctx context.Context, pattern string, opts mesh.SubscribeOptions, handler mesh.EventHandler) (mesh.Subscription, error) {
	if !b.canRegisterHandlers() {
		return nil, mesh.LifecycleError("register_event_handler", fmt.Sprintf("not allowed in state %s", b.State()))
	}
	if opts.InstanceID == "" {
		opts.InstanceID = b.InstanceID
	}
	return b.eventBus.SubscribeEvent(ctx, pattern, opts, handler)
}

// RegisterCommand wires handler to command. Allowed only while
// INITIALIZING or STARTING.
func (b *Base) RegisterCommand(ctx context.Context, command string, handler mesh.CommandHandler) (mesh.Subscription, error) {
	if !b.canRegisterHandlers() {
		return nil, mesh.LifecycleError("register_command_handler", fmt.Sprintf("not allowed in state %s", b.State()))
	}
	return b.cmdBus.RegisterHandler(ctx, command, handler)
}

// Start runs the start sequence: STARTING, on_start, registry
// registration, heartbeat task, on_started, STARTED.
func (b *Base) Start(ctx context.Context) error {
	if err := b.transition(StateStarting); err != nil {
		return err
	}

	if b.hooks.OnStart != nil {
		if err := b.hooks.OnStart(ctx); err != nil {
			b.transition(StateFailed)
			return err
		}
	}

	if b.registrar != nil {
		instance := registry.ServiceInstance{
			ServiceName:   b.ServiceName,
			InstanceID:    b.InstanceID,
			Status:        registry.StatusActive,
			LastHeartbeat: time.Now().UTC(),
		}
		if err := b.registrar.Start(ctx, instance); err != nil {
			b.transition(StateFailed)
			return err
		}
	}

	b.heartbeatStop = make(chan struct{})
	b.heartbeatDone = make(chan struct{})
	go b.runHeartbeat()

	if b.hooks.OnStarted != nil {
		b.hooks.OnStarted(ctx)
	}

	return b.transition(StateStarted)
}

// runHeartbeat sends a bus heartbeat on every tick; registry TTL
// refresh is the registrar's own concern. Three consecutive publish
// failures mark the instance UNHEALTHY; each retry backs off as
// 2^failures seconds plus jitter.
func (b *Base) runHeartbeat() {
	defer close(b.heartbeatDone)

	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	subject := mesh.HeartbeatSubject(b.ServiceName)

	for {
		select {
		case <-b.heartbeatStop:
			return
		case <-ticker.C:
			if err := b.deps.Bus.Publish(subject, []byte(b.InstanceID)); err != nil {
				consecutiveFailures++
				b.deps.Logger.Warn("service: heartbeat publish failed", "service", b.ServiceName, "error", err.Error(), "consecutive_failures", consecutiveFailures)
				if consecutiveFailures >= 3 && b.deps.Registry != nil {
					b.markUnhealthy()
				}
				delay := time.Duration(1<<uint(min(consecutiveFailures, 10))) * time.Second
				delay += time.Duration(rand.Int63n(int64(time.Second)))
				time.Sleep(delay)
				continue
			}
			consecutiveFailures = 0
		}
	}
}

func (b *Base) markUnhealthy() {
	if b.registrar == nil {
		return
	}
	instance := b.registrar.Instance()
	instance.Status = registry.StatusUnhealthy
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.deps.Registry.UpdateHeartbeat(ctx, instance, b.registryTTL); err != nil {
		b.deps.Logger.Warn("service: marking instance unhealthy failed", "service", b.ServiceName, "error", err.Error())
	}
}

// Stop runs the stop sequence: STOPPING, halt heartbeat, deregister,
// on_stop, STOPPED. A failing on_stop hook still ends in STOPPED, but
// its error propagates to the caller.
func (b *Base) Stop(ctx context.Context) error {
	if err := b.transition(StateStopping); err != nil {
		return err
	}

	if b.heartbeatStop != nil {
		close(b.heartbeatStop)
		select {
		case <-b.heartbeatDone:
		case <-time.After(2 * time.Second):
		}
	}

	if b.registrar != nil {
		if err := b.registrar.Stop(ctx); err != nil {
			b.deps.Logger.Warn("service: deregister failed", "service", b.ServiceName, "error", err.Error())
		}
	}

	var hookErr error
	if b.hooks.OnStop != nil {
		hookErr = b.hooks.OnStop(ctx)
	}

	if err := b.transition(StateStopped); err != nil {
		return err
	}
	return hookErr
}

// CallRPC sends req on the rpc.<req.Target>.<method> subject. If a
// Discoverer is configured, an instance is selected with the configured
// strategy first, but the request still goes out on that service-wide
// subject, so the queue group picks the responder; a selection error is
// ignored.
func (b *Base) CallRPC(ctx context.Context, req mesh.RPCRequest) mesh.RPCResponse {
	if b.deps.Discover != nil {
		if inst, err := b.deps.Discover.SelectInstance(ctx, req.Target, b.strategy(), ""); err == nil {
			req.Target = inst.ServiceName
		}
	}
	return b.rpcClient.CallRPC(ctx, req)
}

func (b *Base) strategy() discovery.Strategy {
	if b.deps.Strategy == "" {
		return discovery.RoundRobin
	}
	return b.deps.Strategy
}

// CreateRPCRequest builds a validated RPCRequest addressed to target.
func (b *Base) CreateRPCRequest(target, method string, params map[string]any, timeoutSeconds float64) (mesh.RPCRequest, error) {
	req, err := mesh.NewRPCRequest(target, method, params, timeoutSeconds)
	if err != nil {
		return req, err
	}
	req.Source = b.InstanceID
	return req, nil
}

// CreateEvent builds a validated Event from this instance.
func (b *Base) CreateEvent(domain, eventType string, payload map[string]any, version string) (mesh.Event, error) {
	ev, err := mesh.NewEvent(domain, eventType, payload, version)
	if err != nil {
		return ev, err
	}
	ev.Source = b.InstanceID
	return ev, nil
}

// CreateCommand builds a validated Command addressed to target.
func (b *Base) CreateCommand(target, name string, payload map[string]any, priority mesh.Priority, maxRetries int, timeoutSeconds float64) (mesh.Command, error) {
	cmd, err := mesh.NewCommand(target, name, payload, priority, maxRetries, timeoutSeconds)
	if err != nil {
		return cmd, err
	}
	cmd.Source = b.InstanceID
	return cmd, nil
}

// PublishEvent publishes ev via the embedded EventBus.
func (b *Base) PublishEvent(ctx context.Context, ev mesh.Event) error {
	return b.eventBus.PublishEvent(ctx, ev)
}

// SendCommand sends cmd via the embedded CommandBus.
func (b *Base) SendCommand(ctx context.Context, target string, cmd mesh.Command, track bool) (*mesh.CommandCompletion, *mesh.SendResult, error) {
	return b.cmdBus.SendCommand(ctx, target, cmd, track)
}

// Metrics exposes the service's metrics port for domain code.
func (b *Base) Metrics() mesh.Metrics { return b.deps.Metrics }

// Logger exposes the service's logger for domain code.
func (b *Base) Logger() mesh.Logger { return b.deps.Logger }
