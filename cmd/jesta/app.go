package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/config"
	"github.com/stencila/jesta/internal/dispatch"
	"github.com/stencila/jesta/internal/graph"
	"github.com/stencila/jesta/internal/graph/neo4j"
	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/methods"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "0.0.0"

// app holds what every command needs.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	graph      graph.Repository
	plugin     *methods.Plugin
	dispatcher *dispatch.Dispatcher
	stdin      io.Reader
	stdout     io.Writer
}

func newApp(ctx context.Context, configPath, logLevel string, man manifest.Options) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)
	for _, warning := range cfg.Validate() {
		logger.Warn("Configuration warning", "warning", warning)
	}

	var repo graph.Repository = graph.NewMemory()
	if cfg.Graph.URI != "" {
		r, err := neo4j.New(ctx, cfg.Graph.URI, cfg.Graph.Username, cfg.Graph.Password)
		if err != nil {
			logger.Warn("Dependency graph unavailable, keeping facts in memory", "uri", cfg.Graph.URI, "error", err)
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

	if man.Version == "" {
		man.Version = version
	}
	d, err := dispatch.New(plugin, manifest.Default(man), dispatch.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		graph:      repo,
		plugin:     plugin,
		dispatcher: d,
		stdin:      os.Stdin,
		stdout:     os.Stdout,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.graph.Close(ctx); err != nil {
		a.logger.Warn("Closing dependency graph", "error", err)
	}
}

// call dispatches a method and reports protocol errors as plain errors.
func (a *app) call(ctx context.Context, method string, params map[string]any) (any, error) {
	result, err := a.dispatcher.Dispatch(ctx, method, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return result, nil
}
