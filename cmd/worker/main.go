package main

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/config"
	"github.com/stencila/jesta/internal/dispatch"
	"github.com/stencila/jesta/internal/graph"
	"github.com/stencila/jesta/internal/graph/neo4j"
	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/methods"
	"github.com/stencila/jesta/internal/server"
	temporalmod "github.com/stencila/jesta/internal/temporal"
)

func main() {
	configPath := "jesta.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("Loading config", "error", err)
		os.Exit(1)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx := context.Background()
	var repo graph.Repository = graph.NewMemory()
	if cfg.Graph.URI != "" {
		r, err := neo4j.New(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password)
		if err != nil {
			logger.Warn("Dependency graph unavailable, keeping facts in memory", "error", err)
		} else {
			repo = r
		}
	}

	plugin := methods.New(
		methods.WithAgent(cfg.Plugin.Agent),
		methods.WithDir(cfg.Plugin.Workdir),
		methods.WithInstaller(&build.NpmInstaller{Command: cfg.Plugin.Install, Logger: logger}),
		methods.WithGraph(repo),
		methods.WithLogger(logger),
	)
	d, err := dispatch.New(plugin, manifest.Default(manifest.Options{}), dispatch.WithLogger(logger))
	if err != nil {
		logger.Error("Creating dispatcher", "error", err)
		os.Exit(1)
	}
	temporalmod.SetDependencies(&temporalmod.Dependencies{Dispatcher: d})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		logger.Error("Connecting to Temporal", "host", cfg.Temporal.Host, "error", err)
		os.Exit(1)
	}
	defer c.Close()

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		logger.Error("Starting worker", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker started", "task_queue", cfg.Temporal.TaskQueue)

	shutdown := server.NewShutdownHandler(server.ShutdownConfig{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
		Logger:  logger,
	})
	shutdown.Register(server.WorkerHook(w.Stop), server.GraphHook(repo.Close))
	shutdown.Start()
	<-shutdown.Done()
	logger.Info("Worker stopped")
}
