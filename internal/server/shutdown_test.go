package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pulseboard/pulse/pkg/types"
)

func TestShutdownManager_ClosersLIFO(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 50 * time.Millisecond})

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) CloserFunc {
		return func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}
	}
	sm.RegisterCloser(record("store"))
	sm.RegisterCloser(record("cache"))
	sm.RegisterCloser(record("http"))

	var started, ended bool
	sm.OnShutdownStart(func() { started = true })
	sm.OnShutdownEnd(func() { ended = true })

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := strings.Join(order, ","); got != "http,cache,store" {
		t.Errorf("close order %s", got)
	}
	if !started || !ended {
		t.Error("callbacks not invoked")
	}

	// second call is a no-op
	if err := sm.Shutdown(context.Background(), "again"); err != nil {
		t.Errorf("second Shutdown: %v", err)
	}
	if len(order) != 3 {
		t.Errorf("closers ran twice: %v", order)
	}
}

func TestShutdownManager_CloserError(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})
	sm.RegisterCloser(CloserFunc(func() error { return errors.New("disk gone") }))
	err := sm.Shutdown(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "disk gone") {
		t.Fatalf("expected closer error, got %v", err)
	}
}

func TestShutdownManager_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 150 * time.Millisecond})
	if !sm.TrackRequest() {
		t.Fatal("request rejected before shutdown")
	}
	err := sm.Shutdown(context.Background(), "test")
	if err == nil || !strings.Contains(err.Error(), "1 in-flight") {
		t.Fatalf("expected drain timeout, got %v", err)
	}
	if sm.TrackRequest() {
		t.Error("requests must be rejected after shutdown starts")
	}
}

func TestShutdownMiddleware(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: time.Second})

	release := make(chan struct{})
	entered := make(chan struct{})
	h := ShutdownMiddleware(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		done <- rec
	}()
	<-entered
	if sm.InFlightCount() != 1 {
		t.Fatalf("in-flight = %d", sm.InFlightCount())
	}

	shutdownErr := make(chan error)
	go func() { shutdownErr <- sm.Shutdown(context.Background(), "test") }()

	// wait until new requests are refused
	for !sm.IsShuttingDown() {
		time.Sleep(time.Millisecond)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "SHUTTING_DOWN") {
		t.Errorf("late request: %d %s", rec.Code, rec.Body)
	}
	var body shuttingDownBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 503 body: %v", err)
	}
	if !types.IsRequestID(body.RequestID) || rec.Header().Get("X-Request-ID") != body.RequestID {
		t.Errorf("request_id = %q, header = %q", body.RequestID, rec.Header().Get("X-Request-ID"))
	}

	close(release)
	if rec := <-done; rec.Code != http.StatusNoContent {
		t.Errorf("in-flight request status %d", rec.Code)
	}
	if err := <-shutdownErr; err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestGracefulHTTPServer_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	sm := NewShutdownManager(ShutdownConfig{DrainTimeout: 100 * time.Millisecond})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	gs := NewGracefulHTTPServer(srv, sm)

	served := make(chan error, 1)
	go func() { served <- gs.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String())
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}
