// Package methods implements the document methods of the plugin.
//
// Structural methods (compile, build, execute, clean) transform one kind of
// entity and hand every other node to node.Mutate, so each entity in a tree
// is processed exactly once. Compile, build and execute consult the change
// tracker and skip entities that have not changed since they last ran,
// unless forced.
package methods

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/changes"
	"github.com/stencila/jesta/internal/graph"
	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/session"
)

// CallFunc invokes a method by name, as the dispatcher does.
type CallFunc func(ctx context.Context, method string, params map[string]any) (node.Node, error)

// Plugin holds the state the methods share.
type Plugin struct {
	Sessions  *session.Registry
	Installer build.Installer
	Graph     graph.Repository
	Tracker   *changes.Tracker

	// Dir holds the document's package.json and node_modules.
	Dir string

	Stdin      io.Reader
	Stdout     io.Writer
	HTTPClient *http.Client

	logger *slog.Logger
}

// Option configures a Plugin.
type Option func(*Plugin)

// WithInstaller sets the package installer used by Build.
func WithInstaller(i build.Installer) Option {
	return func(p *Plugin) { p.Installer = i }
}

// WithGraph sends compile facts to a dependency graph.
func WithGraph(g graph.Repository) Option {
	return func(p *Plugin) { p.Graph = g }
}

// WithAgent sets the agent recorded in history entries.
func WithAgent(agent string) Option {
	return func(p *Plugin) { p.Tracker = changes.NewTracker(agent) }
}

// WithDir sets the working directory of builds and module resolution.
func WithDir(dir string) Option {
	return func(p *Plugin) { p.Dir = dir }
}

// WithIO sets the streams used by stdio:// URLs.
func WithIO(stdin io.Reader, stdout io.Writer) Option {
	return func(p *Plugin) {
		p.Stdin = stdin
		p.Stdout = stdout
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Plugin) { p.logger = l }
}

// New creates a plugin. Without options it installs with npm in the current
// directory and keeps no dependency graph.
func New(opts ...Option) *Plugin {
	p := &Plugin{
		Tracker:    changes.NewTracker(""),
		Dir:        ".",
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Installer == nil {
		p.Installer = &build.NpmInstaller{Logger: p.logger}
	}
	if p.Sessions == nil {
		p.Sessions = session.NewRegistry(session.WithLogger(p.logger), session.WithModules(p.Dir))
	}
	return p
}

// Validate returns the node unchanged.
func (p *Plugin) Validate(_ context.Context, n node.Node, _ bool) (node.Node, error) {
	return n, nil
}

// Reshape returns the node unchanged.
func (p *Plugin) Reshape(_ context.Context, n node.Node, _ bool) (node.Node, error) {
	return n, nil
}

// Enrich returns the node unchanged.
func (p *Plugin) Enrich(_ context.Context, n node.Node, _ bool) (node.Node, error) {
	return n, nil
}

// Pipe passes the node through each method in turn. Every call also gets
// the shared params, such as the document and force flag of the pipe. A
// method that returns no result leaves the node as it was.
func (p *Plugin) Pipe(ctx context.Context, n node.Node, calls []string, shared map[string]any, call CallFunc) (node.Node, error) {
	for _, method := range calls {
		params := make(map[string]any, len(shared)+1)
		for k, v := range shared {
			params[k] = v
		}
		params["node"] = n
		result, err := call(ctx, method, params)
		if err != nil {
			return nil, err
		}
		if result != nil {
			n = result
		}
	}
	return n, nil
}
