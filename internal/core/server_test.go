package core

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"citewatch/internal/evidence"
	"citewatch/internal/monitor"
	"citewatch/internal/sender"
	"citewatch/internal/types"
)

// mockDetector implements Detector for testing.
type mockDetector struct {
	mu        sync.Mutex
	snap      monitor.Snapshot
	checks    int
	forced    []bool
	next      monitor.Snapshot
	block     chan struct{}
	connected bool
}

func (m *mockDetector) CheckOnce(_ context.Context, force bool) monitor.Result {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	m.forced = append(m.forced, force)
	if m.next.State.LastValue != nil {
		m.snap = m.next
		return monitor.Result{Kind: monitor.Changed, Value: *m.next.State.LastValue}
	}
	return monitor.Result{Kind: monitor.Unchanged}
}

func (m *mockDetector) Latest() monitor.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *mockDetector) SenderConnected(context.Context) bool { return m.connected }

func (m *mockDetector) SenderKind() sender.Kind { return sender.KindKakao }

func (m *mockDetector) checkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checks
}

// mockEvidence implements evidence.Store for testing.
type mockEvidence struct {
	items map[string][]byte
	err   error
}

func (m *mockEvidence) Store(_ context.Context, name string, data []byte) error {
	m.items[name] = data
	return nil
}

func (m *mockEvidence) Retrieve(_ context.Context, name string) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	b, ok := m.items[name]
	if !ok {
		return nil, evidence.ErrNotFound
	}
	return b, nil
}

func snapshotOf(v int64, ref string) monitor.Snapshot {
	return monitor.Snapshot{
		State:         types.NewObservationState(v, ref),
		ScreenshotURL: "http://h:8080/citations/screenshots/" + ref,
	}
}

func newTestServer(t *testing.T, det *mockDetector, cfg ServerConfig) *Server {
	t.Helper()
	cfg.Detector = det
	if cfg.Evidence == nil {
		cfg.Evidence = &mockEvidence{items: map[string][]byte{}}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	srv, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer returned unexpected error: %v", err)
	}
	return srv
}

func do(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestNewServer_Validation(t *testing.T) {
	if _, err := NewServer(ServerConfig{}); err == nil {
		t.Error("expected error for missing detector")
	}
	if _, err := NewServer(ServerConfig{Detector: &mockDetector{}}); err == nil {
		t.Error("expected error for missing evidence store")
	}
	if _, err := NewServer(ServerConfig{
		Detector: &mockDetector{},
		Evidence: &mockEvidence{},
		Prefix:   "/{bad}",
	}); err == nil {
		t.Error("expected error for invalid prefix")
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := map[string]string{
		"":          DefaultPrefix,
		"/":         "",
		"citations": "/citations",
		"/watch/":   "/watch",
		"//a/b//":   "/a/b",
	}
	for in, want := range tests {
		got, err := NormalizePrefix(in)
		if err != nil {
			t.Fatalf("NormalizePrefix(%q) error: %v", in, err)
		}
		if got != want {
			t.Errorf("NormalizePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestServer_CustomPrefix(t *testing.T) {
	det := &mockDetector{snap: snapshotOf(5, "a.html")}
	srv := newTestServer(t, det, ServerConfig{Prefix: "/scholar"})

	if rr := do(t, srv.Handler(), "/scholar/latest"); rr.Code != http.StatusOK {
		t.Errorf("expected 200 under custom prefix, got %d", rr.Code)
	}
	if rr := do(t, srv.Handler(), "/citations/latest"); rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 under default prefix, got %d", rr.Code)
	}
	if srv.Prefix() != "/scholar" {
		t.Errorf("Prefix() = %q", srv.Prefix())
	}
}

func TestServer_RootPrefix(t *testing.T) {
	det := &mockDetector{}
	srv := newTestServer(t, det, ServerConfig{Prefix: "/"})

	if rr := do(t, srv.Handler(), "/latest"); rr.Code != http.StatusOK {
		t.Errorf("expected 200 at root, got %d", rr.Code)
	}
}

func TestServer_ListenAndServeShutsDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := newTestServer(t, &mockDetector{}, ServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx, addr, time.Second) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/health")
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
