package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aeronmesh/mediadriver/internal/driver/command"
	"github.com/aeronmesh/mediadriver/internal/driver/conductor"
	driverctx "github.com/aeronmesh/mediadriver/internal/driver/context"
	"github.com/aeronmesh/mediadriver/internal/driver/idle"
	"github.com/aeronmesh/mediadriver/internal/driver/metrics"
	"github.com/aeronmesh/mediadriver/internal/driver/receiver"
	"github.com/aeronmesh/mediadriver/internal/driver/sender"
	"github.com/aeronmesh/mediadriver/internal/logger"
)

// Queue capacities for the in-process command rings between agents. The
// client-facing CnC ring is not implemented by this binary: it hosts the
// three agents and their queues, but a separate client library is expected
// to enqueue ClientCommand values through the same package's API rather
// than a shared-memory transport.
const queueCapacity = 1024

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	driverCfg, err := buildContext(cfg)
	if err != nil {
		log.Error("configuration error", "err", err)
		os.Exit(1)
	}
	if err := driverCfg.Validate(); err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	metricsSet := metrics.NewSet()
	metricsServer := metrics.NewServer(cfg.metricsAddr, metricsSet)
	if cfg.metricsAddr != "" {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil {
				log.Error("metrics server stopped unexpectedly", "err", err)
			}
		}()
	}

	clientCmds := command.NewQueue[command.ClientCommand](queueCapacity)
	clientResp := command.NewQueue[command.ClientResponse](queueCapacity)
	toSender := command.NewQueue[command.SenderCommand](queueCapacity)
	toReceiver := command.NewQueue[command.ReceiverCommand](queueCapacity)
	fromAgents := command.NewQueue[command.ConductorCommand](queueCapacity)

	recv := receiver.New(driverCfg, metricsSet, toReceiver, fromAgents)
	send := sender.New(driverCfg, metricsSet, toSender, fromAgents)
	cond := conductor.New(driverCfg, metricsSet, recv, clientCmds, clientResp, toSender, toReceiver, fromAgents)

	stop := make(chan struct{})
	done := runAgents(driverCfg.Threading, cond, send, recv, stop)

	log.Info("media driver started", "dir", driverCfg.AeronDir, "metrics_addr", cfg.metricsAddr, "threading", driverCfg.Threading, "version", version)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	log.Info("shutdown signal received")

	close(stop)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	select {
	case <-done:
		log.Info("agents stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout waiting for agents")
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server shutdown error", "err", err)
	}
}

// runAgents starts the three agents according to mode and returns a channel
// closed once every goroutine it spawned has returned.
func runAgents(mode driverctx.ThreadingMode, cond *conductor.Conductor, send *sender.Sender, recv *receiver.Receiver, stop <-chan struct{}) <-chan struct{} {
	done := make(chan struct{})

	switch mode {
	case driverctx.ThreadingShared:
		go func() {
			defer close(done)
			runShared(stop, cond.DoWork, send.DoWork, recv.DoWork)
		}()
	case driverctx.ThreadingSharedNetwork:
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cond.Run(stop) }()
		go func() {
			defer wg.Done()
			runShared(stop, send.DoWork, recv.DoWork)
		}()
		go func() { wg.Wait(); close(done) }()
	default: // ThreadingDedicated
		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); cond.Run(stop) }()
		go func() { defer wg.Done(); send.Run(stop) }()
		go func() { defer wg.Done(); recv.Run(stop) }()
		go func() { wg.Wait(); close(done) }()
	}

	return done
}

// runShared drives an arbitrary set of DoWork functions from a single
// goroutine with one shared idle strategy, for the shared/shared-network
// threading modes.
func runShared(stop <-chan struct{}, doWork ...func() int) {
	strategy := idle.NewStrategy(100, 10, 10*time.Millisecond)
	for {
		select {
		case <-stop:
			return
		default:
		}
		total := 0
		for _, fn := range doWork {
			total += fn()
		}
		strategy.Idle(total)
	}
}

// buildContext layers the properties file, optional YAML overrides, and
// flag overrides onto driverctx.Defaults, in that precedence order.
func buildContext(cfg *cliConfig) (*driverctx.Context, error) {
	base := driverctx.Defaults()

	result := base
	if cfg.propertiesArg != "" {
		var err error
		result, err = driverctx.LoadProperties(base, cfg.propertiesArg)
		if err != nil {
			return nil, err
		}
	}
	if cfg.configFile != "" {
		var err error
		result, err = driverctx.LoadOverrides(result, cfg.configFile)
		if err != nil {
			return nil, err
		}
	}

	if cfg.aeronDir != "" {
		result.AeronDir = cfg.aeronDir
	}
	if cfg.termLength != 0 {
		result.TermLength = int32(cfg.termLength)
	}
	if cfg.mtu != 0 {
		result.MTU = int32(cfg.mtu)
	}
	if cfg.threading != "" {
		result.Threading = driverctx.ThreadingMode(cfg.threading)
	}

	return result, nil
}
