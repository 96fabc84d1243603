package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Hook priorities. Lower runs first: stop taking work, then flush telemetry,
// then close stores.
const (
	PriorityHTTP    = 10
	PriorityWorker  = 20
	PriorityTracing = 80
	PriorityGraph   = 90
)

// ShutdownHook is run once when the process stops.
type ShutdownHook struct {
	Name     string
	Priority int
	Fn       func(ctx context.Context) error
}

// ShutdownConfig configures a ShutdownHandler. Zero values get a 30s
// timeout and SIGTERM only; SIGINT is left to the stdio server, which treats
// it as an interrupt.
type ShutdownConfig struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *slog.Logger
}

// ShutdownHandler runs hooks when a signal arrives or Shutdown is called.
type ShutdownHandler struct {
	cfg ShutdownConfig

	mu      sync.Mutex
	hooks   []ShutdownHook
	started bool

	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewShutdownHandler(cfg ShutdownConfig) *ShutdownHandler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Signals == nil {
		cfg.Signals = []os.Signal{syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ShutdownHandler{
		cfg:      cfg,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds hooks. Hooks of equal priority run in registration order.
func (s *ShutdownHandler) Register(hooks ...ShutdownHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hooks...)
	s.mu.Unlock()
}

// Start listens for the configured signals. Calling it again does nothing.
func (s *ShutdownHandler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	sigCh := make(chan os.Signal, 1)
	if len(s.cfg.Signals) > 0 {
		signal.Notify(sigCh, s.cfg.Signals...)
	}
	go func() {
		select {
		case sig := <-sigCh:
			s.cfg.Logger.Info("Received signal, shutting down", "signal", sig.String())
			s.stop()
		case <-s.stopping:
		}
		signal.Stop(sigCh)
		s.run()
	}()
}

// Shutdown stops the process as if a signal had arrived. Before Start it
// does nothing.
func (s *ShutdownHandler) Shutdown() {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if started {
		s.stop()
	}
}

func (s *ShutdownHandler) stop() {
	s.stopOnce.Do(func() { close(s.stopping) })
}

// Stopping is closed when shutdown starts.
func (s *ShutdownHandler) Stopping() <-chan struct{} { return s.stopping }

// Done is closed when every hook has run.
func (s *ShutdownHandler) Done() <-chan struct{} { return s.done }

// Wait blocks until every hook has run or ctx is done.
func (s *ShutdownHandler) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ShutdownHandler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	s.mu.Lock()
	hooks := append([]ShutdownHook(nil), s.hooks...)
	s.mu.Unlock()
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority < hooks[j].Priority })

	for _, hook := range hooks {
		start := time.Now()
		if err := hook.Fn(ctx); err != nil {
			s.cfg.Logger.Error("Shutdown hook failed", "hook", hook.Name, "error", err)
			continue
		}
		s.cfg.Logger.Debug("Shutdown hook done", "hook", hook.Name, "duration", time.Since(start))
	}
	close(s.done)
}

// HTTPHook stops an HTTP server accepting connections and waits for the
// open ones.
func HTTPHook(srv *http.Server) ShutdownHook {
	return ShutdownHook{Name: "http", Priority: PriorityHTTP, Fn: srv.Shutdown}
}

// WorkerHook stops a Temporal worker.
func WorkerHook(stop func()) ShutdownHook {
	return ShutdownHook{
		Name:     "temporal-worker",
		Priority: PriorityWorker,
		Fn: func(context.Context) error {
			stop()
			return nil
		},
	}
}

// TracingHook flushes and stops the tracer provider.
func TracingHook(shutdown func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "tracing", Priority: PriorityTracing, Fn: shutdown}
}

// GraphHook closes the dependency graph.
func GraphHook(close func(ctx context.Context) error) ShutdownHook {
	return ShutdownHook{Name: "graph", Priority: PriorityGraph, Fn: close}
}

// GracefulServer serves HTTP, reporting readiness until shutdown starts.
type GracefulServer struct {
	Health   *HealthServer
	Shutdown *ShutdownHandler
}

func NewGracefulServer(health *HealthConfig, shutdown ShutdownConfig) *GracefulServer {
	g := &GracefulServer{
		Health:   NewHealthServer(health),
		Shutdown: NewShutdownHandler(shutdown),
	}
	go func() {
		<-g.Shutdown.Stopping()
		g.Health.SetReady(false)
	}()
	return g
}

// ListenAndServe serves handler on addr and returns once shutdown is done.
func (g *GracefulServer) ListenAndServe(addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Shutdown.Register(HTTPHook(srv))
	g.Shutdown.Start()
	g.Health.SetReady(true)

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	} else {
		g.Shutdown.Shutdown()
	}
	<-g.Shutdown.Done()
	return err
}
