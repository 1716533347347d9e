package presenter

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cochaviz/preview/internal/bootstrap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestTerminalRendersTransitions(t *testing.T) {
	var out bytes.Buffer
	terminal := NewTerminal(&out)

	terminal.Render(bootstrap.State{Phase: bootstrap.PhaseLoading, CycleID: "a"})
	terminal.Render(bootstrap.State{Phase: bootstrap.PhaseLoading, CycleID: "a"})
	terminal.Render(bootstrap.State{Phase: bootstrap.PhaseReady, CycleID: "a", Address: "http://localhost:3000"})
	terminal.Render(bootstrap.State{Phase: bootstrap.PhaseLoading, CycleID: "b"})
	terminal.Render(bootstrap.State{Phase: bootstrap.PhaseFailed, CycleID: "b", Reason: "dependency install exited with code 1", Detail: "npm ERR! missing script"})

	want := strings.Join([]string{
		"Loading...",
		"Ready at http://localhost:3000",
		"Loading...",
		"Failed: dependency install exited with code 1",
		"npm ERR! missing script",
		"",
	}, "\n")
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestTerminalRunFollowsSource(t *testing.T) {
	source := newStubSource(bootstrap.State{Phase: bootstrap.PhaseLoading, CycleID: "a"})
	out := &syncBuffer{}
	terminal := NewTerminal(out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		terminal.Run(ctx, source)
	}()

	waitForSubscribers(t, source, 1)
	source.set(bootstrap.State{Phase: bootstrap.PhaseReady, CycleID: "a", Address: "http://localhost:5173"})

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "Ready at http://localhost:5173") {
		if time.Now().After(deadline) {
			t.Fatalf("output = %q, want ready line", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHTTPViewPerPhase(t *testing.T) {
	tests := []struct {
		name  string
		state bootstrap.State
		want  []string
		avoid []string
	}{
		{
			name:  "loading",
			state: bootstrap.State{Phase: bootstrap.PhaseLoading},
			want:  []string{"Loading..."},
			avoid: []string{"<iframe"},
		},
		{
			name:  "ready",
			state: bootstrap.State{Phase: bootstrap.PhaseReady, Address: "http://localhost:3000", CycleID: "c1"},
			want:  []string{`<iframe src="http://localhost:3000">`, `data-cycle="c1"`},
			avoid: []string{"Loading..."},
		},
		{
			name:  "failed",
			state: bootstrap.State{Phase: bootstrap.PhaseFailed, Reason: "runtime <not> initialized"},
			want:  []string{"Something went wrong", "runtime &lt;not&gt; initialized"},
			avoid: []string{"<iframe", "<not>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := NewHTTP(newStubSource(tt.state), discardLogger(), nil)
			rec := httptest.NewRecorder()
			view.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			body := rec.Body.String()
			for _, want := range tt.want {
				if !strings.Contains(body, want) {
					t.Fatalf("body missing %q:\n%s", want, body)
				}
			}
			for _, avoid := range tt.avoid {
				if strings.Contains(body, avoid) {
					t.Fatalf("body unexpectedly contains %q:\n%s", avoid, body)
				}
			}
		})
	}
}

func TestHTTPStateAndHealth(t *testing.T) {
	state := bootstrap.State{Phase: bootstrap.PhaseReady, Address: "http://localhost:3000", Port: 3000, CycleID: "c1"}
	view := NewHTTP(newStubSource(state), discardLogger(), nil)

	rec := httptest.NewRecorder()
	view.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/state status = %d", rec.Code)
	}
	var got bootstrap.State
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got.Phase != state.Phase || got.Address != state.Address || got.Port != state.Port {
		t.Fatalf("state = %+v, want %+v", got, state)
	}

	rec = httptest.NewRecorder()
	view.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	view.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("/metrics without gatherer = %d, want 404", rec.Code)
	}
}

func TestHTTPMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "preview_test_total", Help: "test counter"})
	registry.MustRegister(counter)
	counter.Inc()

	view := NewHTTP(newStubSource(bootstrap.State{Phase: bootstrap.PhaseLoading}), discardLogger(), registry)
	rec := httptest.NewRecorder()
	view.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "preview_test_total 1") {
		t.Fatalf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestHTTPStreamsStateOverWebsocket(t *testing.T) {
	source := newStubSource(bootstrap.State{Phase: bootstrap.PhaseLoading, CycleID: "c1"})
	view := NewHTTP(source, discardLogger(), nil)
	server := httptest.NewServer(view.Handler())
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first bootstrap.State
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial state: %v", err)
	}
	if first.Phase != bootstrap.PhaseLoading {
		t.Fatalf("initial phase = %q, want loading", first.Phase)
	}

	source.set(bootstrap.State{Phase: bootstrap.PhaseReady, CycleID: "c1", Address: "http://localhost:3000"})

	var next bootstrap.State
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read transition: %v", err)
	}
	if next.Phase != bootstrap.PhaseReady || next.Address != "http://localhost:3000" {
		t.Fatalf("transition = %+v, want ready", next)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	view := NewHTTP(newStubSource(bootstrap.State{Phase: bootstrap.PhaseLoading}), discardLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- view.Serve(ctx, "127.0.0.1:0")
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForSubscribers(t *testing.T, source *stubSource, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for source.subscriberCount() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d subscribers", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type stubSource struct {
	mu    sync.Mutex
	state bootstrap.State
	subs  map[int]chan bootstrap.State
	next  int
}

func newStubSource(state bootstrap.State) *stubSource {
	return &stubSource{state: state, subs: make(map[int]chan bootstrap.State)}
}

func (s *stubSource) State() bootstrap.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSource) Subscribe() (<-chan bootstrap.State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan bootstrap.State, 8)
	ch <- s.state
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

func (s *stubSource) set(state bootstrap.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	for _, ch := range s.subs {
		ch <- state
	}
}

func (s *stubSource) subscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
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
