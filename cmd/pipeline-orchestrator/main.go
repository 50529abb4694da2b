// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/pipeline-orchestrator/internal/config"
	"github.com/flyingrobots/pipeline-orchestrator/internal/engine"
	"github.com/flyingrobots/pipeline-orchestrator/internal/httpapi"
	"github.com/flyingrobots/pipeline-orchestrator/internal/obs"
	"github.com/flyingrobots/pipeline-orchestrator/internal/pipeline"
	"github.com/flyingrobots/pipeline-orchestrator/internal/query"
	"github.com/flyingrobots/pipeline-orchestrator/internal/redisclient"
	"github.com/flyingrobots/pipeline-orchestrator/internal/registry"
	"github.com/flyingrobots/pipeline-orchestrator/internal/restart"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/gormdoc"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/memstore"
	"github.com/flyingrobots/pipeline-orchestrator/internal/storage/redisdoc"
	"github.com/flyingrobots/pipeline-orchestrator/internal/watchdog"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: server|watchdog|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	// Setup logging
	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Storage backend
	var store storage.Store
	switch cfg.Storage.Backend {
	case "redis":
		rdb := redisclient.New(cfg)
		defer rdb.Close()
		store = redisdoc.New(rdb)
	case "database":
		gs, err := gormdoc.Open(gormdoc.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN})
		if err != nil {
			logger.Fatal("failed to open database storage", obs.Err(err))
		}
		store = gs
	default:
		store = memstore.New()
	}

	// Registry and core components
	reg := registry.New()
	registerDemoPipeline(reg)
	eng := engine.New(reg, store, logger)
	coord := restart.New(reg, store, eng, logger)
	q := query.New(reg, store)

	// Metrics, healthz, readyz
	httpSrv := obs.StartHTTPServer(cfg.Observability.MetricsPort, nil)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		// If a second signal arrives, force exit
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	wd := watchdog.New(store, logger, watchdog.Options{
		CheckInterval: cfg.Watchdog.CheckInterval,
		JobTimeout:    cfg.Watchdog.JobTimeout,
	})
	defer wd.Stop()

	switch role {
	case "watchdog":
		wd.Start(ctx)
		<-ctx.Done()
	case "server", "all":
		if role == "all" {
			wd.Start(ctx)
		}
		api, err := httpapi.NewServer(httpapi.Config{
			ListenAddr:            cfg.HTTP.ListenAddr,
			ReadTimeout:           cfg.HTTP.ReadTimeout,
			WriteTimeout:          cfg.HTTP.WriteTimeout,
			DebugEndpointsEnabled: cfg.HTTP.DebugEndpointsEnabled,
		}, reg, eng, coord, q, logger)
		if err != nil {
			logger.Fatal("failed to build API server", obs.Err(err))
		}
		go func() {
			<-ctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			_ = api.Shutdown(shCtx)
		}()
		if err := api.Start(); err != nil && ctx.Err() == nil {
			logger.Fatal("API server error", obs.Err(err))
		}
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// registerDemoPipeline wires a small two-stage pipeline so a fresh checkout
// has something to exercise end to end without writing job code first.
func registerDemoPipeline(reg *registry.Registry) {
	reg.Register(pipeline.Config{
		Name: "demo",
		Stages: []pipeline.Stage{
			pipeline.JobStage(pipeline.JobDef{
				Name: "fetch",
				Execute: func(_ context.Context, input pipeline.Opaque, _ pipeline.Opaque, _ pipeline.JobContext) (pipeline.Opaque, error) {
					seed := 0.0
					if m, ok := input.(map[string]pipeline.Opaque); ok {
						if v, ok := m["seed"].(float64); ok {
							seed = v
						}
					}
					return map[string]pipeline.Opaque{"value": seed + 1}, nil
				},
			}),
			pipeline.RefStage(pipeline.JobRef{
				Job: pipeline.JobDef{
					Name: "transform",
					Execute: func(_ context.Context, input pipeline.Opaque, _ pipeline.Opaque, _ pipeline.JobContext) (pipeline.Opaque, error) {
						if m, ok := input.(map[string]pipeline.Opaque); ok {
							if v, ok := m["value"].(float64); ok {
								return v * 2, nil
							}
						}
						return nil, fmt.Errorf("transform: unexpected input shape")
					},
				},
				Synapse: func(ctx pipeline.SynapseContext) pipeline.Opaque {
					art, _ := ctx.GetArtifact("fetch")
					return art
				},
			}),
		},
	})
}
