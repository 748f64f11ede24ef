// Command agent runs the edge telemetry agent: it wires the broker
// client, validator, ring buffer and storage sink into a Coordinator
// and launches the three workers of spec.md §4.5, grounded on
// collector/cmd/collector/main.go's construct-then-run shape.
package main

import (
	"context"
	"log"
	"time"

	"github.com/yayoboy/edge-telemetry-agent/internal/broker"
	"github.com/yayoboy/edge-telemetry-agent/internal/clock"
	"github.com/yayoboy/edge-telemetry-agent/internal/config"
	"github.com/yayoboy/edge-telemetry-agent/internal/runtime"
	"github.com/yayoboy/edge-telemetry-agent/internal/supervisor"
)

// updateInterval is how often the host loop refreshes sampled gauges
// via Coordinator.Update, matching spec.md §5's description of the
// main context as a separate loop that only reads status and stats.
const updateInterval = time.Second

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime.SetupGracefulShutdown(cancel, cfg.Logger)

	client := broker.NewPahoClient(broker.Config{
		Host:     cfg.BrokerHost,
		Port:     cfg.BrokerPort,
		User:     cfg.BrokerUser,
		Pass:     cfg.BrokerPass,
		ClientID: cfg.ClientID,
	})

	coord := supervisor.New(cfg, clock.New(), client, supervisor.AlwaysUpLink{})
	coord.SetErrorCallback(func(msg string, code int) {
		cfg.Logger.Printf("agent error [%d]: %s", code, msg)
	})

	if err := coord.Begin(ctx); err != nil {
		cfg.Logger.Fatalf("agent: begin failed: %v", err)
	}
	defer coord.End()

	go coord.RunBrokerWorker(ctx)
	go coord.RunDrainWorker(ctx)
	go coord.RunWatchdogWorker(ctx)

	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cfg.Logger.Println("agent stopped")
			return
		case <-ticker.C:
			coord.Update()
		}
	}
}
