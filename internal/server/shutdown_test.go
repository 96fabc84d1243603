package server

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestShutdownDefaults(t *testing.T) {
	h := NewShutdownHandler(ShutdownConfig{})
	if h.cfg.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", h.cfg.Timeout)
	}
	if len(h.cfg.Signals) != 1 || h.cfg.Signals[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want only SIGTERM", h.cfg.Signals)
	}

	h = NewShutdownHandler(ShutdownConfig{Signals: []os.Signal{}})
	if len(h.cfg.Signals) != 0 {
		t.Errorf("explicit empty signals replaced with %v", h.cfg.Signals)
	}
}

func TestHooksRunInPriorityOrder(t *testing.T) {
	h := NewShutdownHandler(ShutdownConfig{Signals: []os.Signal{}})

	var (
		mu    sync.Mutex
		order []string
	)
	hook := func(name string, priority int) ShutdownHook {
		return ShutdownHook{Name: name, Priority: priority, Fn: func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}
	h.Register(hook("graph", PriorityGraph), hook("http", PriorityHTTP))
	h.Register(hook("tracing", PriorityTracing), hook("http-2", PriorityHTTP))

	h.Start()
	h.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	want := "http,http-2,tracing,graph"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("order = %s, want %s", got, want)
	}
}

func TestFailingHookIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	h := NewShutdownHandler(ShutdownConfig{Signals: []os.Signal{}, Logger: logger})

	ran := false
	h.Register(
		ShutdownHook{Name: "failing", Priority: 1, Fn: func(context.Context) error { return errors.New("boom") }},
		ShutdownHook{Name: "after", Priority: 2, Fn: func(context.Context) error { ran = true; return nil }},
	)
	h.Start()
	h.Shutdown()
	<-h.Done()

	if !ran {
		t.Error("hook after a failure did not run")
	}
	if !strings.Contains(buf.String(), "hook=failing") || !strings.Contains(buf.String(), "boom") {
		t.Errorf("failure not logged: %s", buf.String())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	h := NewShutdownHandler(ShutdownConfig{Signals: []os.Signal{}})
	release := make(chan struct{})
	h.Register(ShutdownHook{Name: "slow", Fn: func(context.Context) error {
		<-release
		return nil
	}})
	h.Start()
	h.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := h.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
	close(release)
	<-h.Done()
}

func TestShutdownBeforeStart(t *testing.T) {
	h := NewShutdownHandler(ShutdownConfig{Signals: []os.Signal{}})
	h.Shutdown()
	select {
	case <-h.Stopping():
		t.Fatal("Shutdown before Start began stopping")
	default:
	}

	h.Start()
	h.Start()
	h.Shutdown()
	h.Shutdown()
	<-h.Done()
}

func TestHookConstructors(t *testing.T) {
	stopped := false
	tests := []struct {
		hook     ShutdownHook
		name     string
		priority int
	}{
		{HTTPHook(&http.Server{}), "http", PriorityHTTP},
		{WorkerHook(func() { stopped = true }), "temporal-worker", PriorityWorker},
		{TracingHook(func(context.Context) error { return nil }), "tracing", PriorityTracing},
		{GraphHook(func(context.Context) error { return nil }), "graph", PriorityGraph},
	}
	for _, tt := range tests {
		if tt.hook.Name != tt.name || tt.hook.Priority != tt.priority {
			t.Errorf("hook = %s/%d, want %s/%d", tt.hook.Name, tt.hook.Priority, tt.name, tt.priority)
		}
		if err := tt.hook.Fn(context.Background()); err != nil {
			t.Errorf("%s: %v", tt.name, err)
		}
	}
	if !stopped {
		t.Error("worker hook did not stop the worker")
	}
}

func TestGracefulServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	g := NewGracefulServer(nil, ShutdownConfig{Timeout: 5 * time.Second, Signals: []os.Signal{}})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	errCh := make(chan error, 1)
	go func() { errCh <- g.ListenAndServe(addr, handler) }()

	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get("http://" + addr + "/"); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if !g.Health.isReady() {
		t.Error("server not ready while serving")
	}

	g.Shutdown.Shutdown()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("ListenAndServe: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
