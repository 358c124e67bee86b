// meshdemo: a thin wiring example over pkg/mesh/pkg/service
//
// Run two instances sharing MESH_ELECTION_LEADER_TTL_SECONDS and watch
// counter.tick events fire only from whichever one holds the "counter"
// sticky-active group; an "echo" RPC method answers from every instance.
//
// Environment (prefixed MESH_, see pkg/mesh/config.go):
//
//	MESH_BUS_SERVERS      - NATS servers (default: nats://localhost:4222)
//	MESH_KV_BUCKET        - KV bucket name (required)
//	MESH_INSTANCE_ID      - this instance's id (default: random)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/svcmesh/core/pkg/discovery"
	"github.com/svcmesh/core/pkg/mesh"
	"github.com/svcmesh/core/pkg/registry"
	"github.com/svcmesh/core/pkg/service"
)

const serviceName = "meshdemo"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg mesh.Config
	if help, err := mesh.ParseConfig("MESH", &cfg); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	} else if help != "" {
		fmt.Println(help)
		return nil
	}

	instanceID := os.Getenv("MESH_INSTANCE_ID")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	logger := mesh.NewLogger(os.Stderr, "info").With("service", serviceName)
	metrics := mesh.NewInMemoryMetrics()

	bus, err := mesh.Connect(mesh.ConnectOptions{
		Servers:           cfg.Bus.Servers,
		PoolSize:          cfg.Bus.PoolSize,
		ReconnectAttempts: cfg.Bus.ReconnectAttempts,
		ReconnectWaitS:    cfg.Bus.ReconnectWaitS,
		UseBinaryCodec:    cfg.Bus.UseBinaryCodec,
	}, logger, metrics)
	if err != nil {
		return fmt.Errorf("connecting bus: %w", err)
	}
	defer bus.Close()

	ctx := context.Background()
	store, err := mesh.OpenStore(ctx, bus.JetStream(), cfg.KV.Bucket)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	reg := registry.New(store, logger, metrics)
	disc := discovery.New(reg, time.Duration(cfg.Registry.TTLSeconds*float64(time.Second)))

	base := service.NewBase(serviceName, instanceID, service.Deps{
		Bus:      bus,
		Logger:   logger,
		Metrics:  metrics,
		Registry: reg,
		Discover: disc,
	}, service.Hooks{}, cfg.Registry.TTLSeconds, time.Duration(cfg.Registry.HeartbeatSeconds*float64(time.Second)))

	sa := service.NewSingleActive(base, store, "counter",
		time.Duration(cfg.Election.LeaderTTLSeconds*float64(time.Second)),
		time.Duration(cfg.Election.HeartbeatSeconds*float64(time.Second)),
		time.Duration(cfg.Election.ElectionTimeoutSeconds*float64(time.Second)),
		service.ElectionOptions{
			DetectionThreshold: time.Duration(cfg.Election.DetectionThresholdS * float64(time.Second)),
			ElectionDelay:      time.Duration(cfg.Election.ElectionDelayS * float64(time.Second)),
			MaxAttempts:        cfg.Election.MaxAttempts,
		},
	)

	if err := base.RegisterRPC("echo", func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		return req.Params, nil
	}); err != nil {
		return fmt.Errorf("registering echo: %w", err)
	}

	tick := sa.Exclusive(func(ctx context.Context, req mesh.RPCRequest) (any, error) {
		return map[string]any{"active_instance": instanceID}, nil
	})
	if err := base.RegisterRPC("counter_owner", tick); err != nil {
		return fmt.Errorf("registering counter_owner: %w", err)
	}

	if err := sa.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	defer sa.Stop(ctx)

	go tickCounter(ctx, base, sa, logger)

	logger.Info("meshdemo started", "instance", instanceID, "bucket", cfg.KV.Bucket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("meshdemo shutting down", "instance", instanceID)
	return nil
}

// tickCounter publishes a counter.tick event once a second for as long as
// this instance holds the "counter" leadership, demonstrating the
// Exclusive gate from the publisher side as well as the handler side.
func tickCounter(ctx context.Context, base *service.Base, sa *service.SingleActive, logger mesh.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var n int
	for range ticker.C {
		if !sa.IsActive() {
			continue
		}
		n++
		ev, err := base.CreateEvent("counter", "tick", map[string]any{"n": n}, "1.0")
		if err != nil {
			logger.Warn("meshdemo: building tick event failed", "error", err.Error())
			continue
		}
		if err := base.PublishEvent(ctx, ev); err != nil {
			logger.Warn("meshdemo: publishing tick event failed", "error", err.Error())
		}
	}
}
