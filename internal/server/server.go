// Package server exposes a dispatcher over stdio, HTTP and WebSocket, plus
// health checks and graceful shutdown.
package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/observability"
	"github.com/stencila/jesta/internal/rpc"
)

// MaxMessageSize is the largest request line the server reads.
const MaxMessageSize = 64 << 20

// Dispatcher runs method calls.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, params map[string]any) (node.Node, error)
	Interruptible(method string) bool
}

// Server processes JSON-RPC requests one at a time.
type Server struct {
	Dispatcher Dispatcher

	// Interrupts delivers interrupt signals. Serve applies the interrupt
	// policy to each one. Nil disables interrupts.
	Interrupts <-chan os.Signal

	logger  *slog.Logger
	metrics *observability.JestaMetrics

	mu      sync.Mutex
	current *inflight
}

type inflight struct {
	ref           rpc.RequestRef
	interruptible bool
	cancel        context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithInterrupts sets the channel of interrupt signals.
func WithInterrupts(ch <-chan os.Signal) Option {
	return func(s *Server) { s.Interrupts = ch }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetrics sets the metrics interrupts and warnings are counted in.
func WithMetrics(m *observability.JestaMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// New creates a server for d.
func New(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		Dispatcher: d,
		logger:     slog.Default(),
		metrics:    observability.Metrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lineWriter writes newline-terminated JSON messages. Responses and
// notifications come from different goroutines.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lineWriter) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if _, err := lw.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Serve reads requests from r, one per line, and writes responses to w in
// the same order. It returns when r is exhausted or ctx is done.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{w: w}

	done := make(chan struct{})
	defer close(done)
	if s.Interrupts != nil {
		go s.watchInterrupts(done, out)
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := out.write(s.Handle(ctx, line)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading requests: %w", err)
	}
	return nil
}

// parse reads one message. Only data that is not JSON is a parse error;
// JSON that is not a request object with an integer id and a method is an
// invalid request.
func parse(data []byte) (rpc.Request, *rpc.Response) {
	var req rpc.Request
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return req, &rpc.Response{Error: rpc.ParseError(err.Error())}
	}
	if _, ok := raw.(map[string]any); !ok {
		return req, &rpc.Response{Error: rpc.InvalidRequest()}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return req, &rpc.Response{Error: rpc.InvalidRequest()}
	}
	if id, ok := fields["id"]; ok && string(id) != "null" {
		var n int64
		if err := json.Unmarshal(id, &n); err != nil {
			return req, &rpc.Response{Error: rpc.InvalidRequest()}
		}
		req.ID = &n
	}
	if method, ok := fields["method"]; ok {
		_ = json.Unmarshal(method, &req.Method)
	}
	if req.ID == nil || req.Method == "" {
		return req, &rpc.Response{ID: req.ID, Error: rpc.InvalidRequest()}
	}
	if params, ok := fields["params"]; ok && string(params) != "null" {
		if err := json.Unmarshal(params, &req.Params); err != nil {
			return req, &rpc.Response{ID: req.ID, Error: rpc.InvalidParam("params", "must be an object")}
		}
	}
	return req, nil
}

// Handle parses one message and processes it as the current request.
func (s *Server) Handle(ctx context.Context, data []byte) rpc.Response {
	req, invalid := parse(data)
	if invalid != nil {
		return *invalid
	}
	return s.Process(ctx, req)
}

// Process runs a valid request as the current one, so that interrupts apply
// to it. Only one request may be processed at a time.
func (s *Server) Process(ctx context.Context, req rpc.Request) rpc.Response {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.current = &inflight{
		ref:           rpc.RequestRef{ID: req.ID, Method: req.Method},
		interruptible: s.Dispatcher.Interruptible(req.Method),
		cancel:        cancel,
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	return s.respond(ctx, req)
}

// handleConcurrent processes a message without making it the current
// request. Connection transports use it; their requests are cancelled with
// the connection instead of by signals.
func (s *Server) handleConcurrent(ctx context.Context, data []byte) rpc.Response {
	req, invalid := parse(data)
	if invalid != nil {
		return *invalid
	}
	return s.respond(ctx, req)
}

func (s *Server) respond(ctx context.Context, req rpc.Request) rpc.Response {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	result, err := s.Dispatcher.Dispatch(ctx, req.Method, params)
	if err != nil {
		e := rpc.AsError(err)
		if e.Code == rpc.CodeServerError {
			s.logger.Error("Request failed", "id", *req.ID, "method", req.Method, "error", err)
		}
		return rpc.Response{ID: req.ID, Error: e}
	}
	return rpc.Response{ID: req.ID, Result: result}
}

func (s *Server) watchInterrupts(done <-chan struct{}, out *lineWriter) {
	for {
		select {
		case <-done:
			return
		case _, ok := <-s.Interrupts:
			if !ok {
				return
			}
			s.interrupt(out)
		}
	}
}

// interrupt cancels the current request if it allows that, and otherwise
// warns the client that it cannot be interrupted.
func (s *Server) interrupt(out *lineWriter) {
	s.mu.Lock()
	current := s.current
	s.mu.Unlock()

	switch {
	case current == nil:
		s.logger.Warn("No request is currently being processed; interrupt ignored")
	case current.interruptible:
		s.logger.Info("Interrupting request", "method", current.ref.Method)
		s.metrics.InterruptsTotal.Inc()
		current.cancel()
	default:
		ref := current.ref
		if err := out.write(rpc.Warn("Request is uninterruptible", &ref)); err != nil {
			s.logger.Error("Failed to send warning", "error", err)
			return
		}
		s.metrics.WarningsTotal.Inc()
	}
}
