package server

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stencila/jesta/internal/build"
	"github.com/stencila/jesta/internal/dispatch"
	"github.com/stencila/jesta/internal/manifest"
	"github.com/stencila/jesta/internal/methods"
	"github.com/stencila/jesta/internal/node"
	"github.com/stencila/jesta/internal/observability"
)

func newDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()
	p := methods.New(methods.WithDir(t.TempDir()), methods.WithInstaller(&build.RecordingInstaller{}))
	d, err := dispatch.New(p, manifest.Default(manifest.Options{}), dispatch.WithMetrics(observability.NewJestaMetrics()))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	return d
}

func serveLines(t *testing.T, s *Server, input string) []string {
	t.Helper()
	var out bytes.Buffer
	if err := s.Serve(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	return strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
}

func TestServe_Responses(t *testing.T) {
	s := New(newDispatcher(t))
	input := strings.Join([]string{
		`{"id":1,"method":"decode"}`,
		``,
		`not json`,
		`{"id":2}`,
		`{"method":"decode"}`,
		`{"id":3,"method":"nope"}`,
		`{"id":4,"method":"decode","params":{"content":"{\"type\":\"Paragraph\",\"content\":[]}"}}`,
		`{"id":5,"method":"set","params":{"name":"a","value":1}}`,
		`[1,2]`,
		`{"id":"abc","method":"vars"}`,
		`{"id":1.5,"method":"vars"}`,
		`{"id":6,"method":7}`,
		`{"id":7,"method":"vars","params":[]}`,
		`{"id":8,"method":"vars","params":null}`,
	}, "\n")

	lines := serveLines(t, s, input)
	want := []string{
		`{"id":1,"error":{"code":-32602,"message":"Parameter 'content' is required."}}`,
		`{"error":{"code":-32700,"message":"Error while parsing request: `,
		`{"id":2,"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"id":3,"error":{"code":-32601,"message":"Method 'nope' not found"}}`,
		`{"id":4,"result":{"content":[],"type":"Paragraph"}}`,
		`{"id":5,"result":null}`,
		`{"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"id":6,"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`,
		`{"id":7,"error":{"code":-32602,"message":"Parameter 'params' is invalid: must be an object."}}`,
		`{"id":8,"result":{`,
	}
	if len(lines) != len(want) {
		t.Fatalf("expected %d responses, got %d:\n%s", len(want), len(lines), strings.Join(lines, "\n"))
	}
	for i := range want {
		if !strings.HasPrefix(lines[i], want[i]) {
			t.Errorf("response %d = %s, want %s", i, lines[i], want[i])
		}
	}
}

// blockingDispatcher holds each call until it is cancelled or released.
type blockingDispatcher struct {
	started chan string
	release chan struct{}
}

func newBlockingDispatcher() *blockingDispatcher {
	return &blockingDispatcher{started: make(chan string, 1), release: make(chan struct{})}
}

func (b *blockingDispatcher) Interruptible(method string) bool {
	return method == "execute"
}

func (b *blockingDispatcher) Dispatch(ctx context.Context, method string, params map[string]any) (node.Node, error) {
	b.started <- method
	select {
	case <-ctx.Done():
		return "cancelled", nil
	case <-b.release:
		return "completed", nil
	}
}

type session struct {
	interrupts chan os.Signal
	requests   *io.PipeWriter
	responses  *bufio.Reader
	done       chan error
}

func startSession(t *testing.T, d Dispatcher, opts ...Option) *session {
	t.Helper()
	interrupts := make(chan os.Signal)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	s := New(d, append(opts, WithInterrupts(interrupts), WithMetrics(observability.NewJestaMetrics()))...)

	done := make(chan error, 1)
	go func() {
		done <- s.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	t.Cleanup(func() { inW.Close() })
	return &session{interrupts: interrupts, requests: inW, responses: bufio.NewReader(outR), done: done}
}

func (s *session) send(t *testing.T, line string) {
	t.Helper()
	if _, err := io.WriteString(s.requests, line+"\n"); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func (s *session) receive(t *testing.T) string {
	t.Helper()
	line, err := s.responses.ReadString('\n')
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return strings.TrimSuffix(line, "\n")
}

func TestServe_InterruptCancelsInterruptible(t *testing.T) {
	d := newBlockingDispatcher()
	s := startSession(t, d)

	s.send(t, `{"id":7,"method":"execute","params":{}}`)
	<-d.started
	s.interrupts <- syscall.SIGINT

	if got := s.receive(t); got != `{"id":7,"result":"cancelled"}` {
		t.Fatalf("unexpected response %s", got)
	}
}

func TestServe_InterruptWarnsUninterruptible(t *testing.T) {
	d := newBlockingDispatcher()
	s := startSession(t, d)

	s.send(t, `{"id":8,"method":"decode","params":{}}`)
	<-d.started
	s.interrupts <- syscall.SIGINT

	want := `{"method":"warn","params":{"message":"Request is uninterruptible","request":{"id":8,"method":"decode"}}}`
	if got := s.receive(t); got != want {
		t.Fatalf("notification = %s, want %s", got, want)
	}

	close(d.release)
	if got := s.receive(t); got != `{"id":8,"result":"completed"}` {
		t.Fatalf("unexpected response %s", got)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_InterruptWhenIdle(t *testing.T) {
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	s := startSession(t, newBlockingDispatcher(), WithLogger(logger))

	s.interrupts <- syscall.SIGINT

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(logs.String(), "No request is currently being processed; interrupt ignored") {
		if time.Now().After(deadline) {
			t.Fatalf("expected idle warning, got logs:\n%s", logs.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(logs.String(), "level=WARN") {
		t.Fatalf("expected warn level, got %s", logs.String())
	}
}

func TestServe_ExecuteInterrupted(t *testing.T) {
	s := startSession(t, newDispatcher(t))

	s.send(t, `{"id":9,"method":"execute","params":{"node":{"type":"CodeChunk","programmingLanguage":"js","text":"while (true) {}"}}}`)
	// The loop gives no signal that it started, so keep interrupting until
	// the response arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(50 * time.Millisecond):
				select {
				case s.interrupts <- syscall.SIGINT:
				case <-stop:
					return
				}
			}
		}
	}()

	got := s.receive(t)
	if !strings.Contains(got, `"errorType":"Interrupted"`) {
		t.Fatalf("expected interrupted execution, got %s", got)
	}
}

func TestServe_EndsWithInput(t *testing.T) {
	s := startSession(t, newBlockingDispatcher())
	s.requests.Close()
	select {
	case err := <-s.done:
		if err != nil {
			t.Fatalf("Serve: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return at end of input")
	}
}

func TestHTTPTransport(t *testing.T) {
	s := New(newDispatcher(t))
	health := NewHealthServer(nil)
	health.SetReady(true)
	metrics := observability.NewJestaMetrics()
	srv := httptest.NewServer(s.HTTPHandler(HTTPOptions{Health: health, Metrics: metrics.Handler()}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/", "application/json", strings.NewReader(`{"id":1,"method":"decode","params":{"content":"[1]"}}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if got := strings.TrimSpace(string(body)); got != `{"id":1,"result":[1]}` {
		t.Fatalf("unexpected response %s", got)
	}

	for _, path := range []string{"/health", "/ready", "/live", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
	}
}

func TestWebSocketTransport(t *testing.T) {
	s := New(newDispatcher(t))
	srv := httptest.NewServer(s.HTTPHandler(HTTPOptions{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	exchanges := []struct{ request, response string }{
		{`{"id":1,"method":"set","params":{"name":"x","value":2}}`, `{"id":1,"result":null}`},
		{`{"id":2,"method":"get","params":{"name":"x"}}`, `{"id":2,"result":2}`},
		{`{"id":3}`, `{"id":3,"error":{"code":-32600,"message":"Request is invalid because it is missing an id or method"}}`},
	}
	for _, ex := range exchanges {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(ex.request)); err != nil {
			t.Fatalf("write: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != ex.response {
			t.Errorf("response = %s, want %s", data, ex.response)
		}
	}
}
