package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func waitWatchers(t *testing.T, f *InMemory, store string, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if f.watchers(store) == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d watchers of %s, got %d", n, store, f.watchers(store))
}

func TestSSEHandlerStream(t *testing.T) {
	f := NewInMemory()
	srv := httptest.NewServer(SSEHandler(f))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "?store=profiles")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitWatchers(t, f, "profiles", 1)

	if err := f.Publish(context.Background(), NewEvent("profiles", "p1", KindAcquired, "A")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if strings.TrimSpace(line) != "event: acquired" {
		t.Fatalf("unexpected line %q", line)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Key != "p1" || ev.Store != "profiles" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestSSEHandlerMissingStore(t *testing.T) {
	srv := httptest.NewServer(SSEHandler(NewInMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSSEHandlerContextCancel(t *testing.T) {
	f := NewInMemory()
	srv := httptest.NewServer(SSEHandler(f))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?store=profiles", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	done := make(chan struct{})
	go func() {
		if resp, err := http.DefaultClient.Do(req); err == nil {
			// hold the stream open until the request is canceled
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
		close(done)
	}()
	waitWatchers(t, f, "profiles", 1)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for request to end")
	}
	waitWatchers(t, f, "profiles", 0)
}

type failingWriter struct {
	header http.Header
}

func (w *failingWriter) Header() http.Header       { return w.header }
func (w *failingWriter) Write([]byte) (int, error) { return 0, errors.New("write failed") }
func (w *failingWriter) WriteHeader(int)           {}
func (w *failingWriter) Flush()                    {}

func TestSSEHandlerWriteErrorUnwatches(t *testing.T) {
	f := NewInMemory()
	handler := SSEHandler(f)
	req := httptest.NewRequest(http.MethodGet, "/?store=profiles", nil)

	done := make(chan struct{})
	go func() {
		handler(&failingWriter{header: make(http.Header)}, req)
		close(done)
	}()
	waitWatchers(t, f, "profiles", 1)

	if err := f.Publish(context.Background(), NewEvent("profiles", "p1", KindSaved, "A")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not exit on write error")
	}
	waitWatchers(t, f, "profiles", 0)
}

func TestWebSocketHandlerStream(t *testing.T) {
	f := NewInMemory()
	srv := httptest.NewServer(WebSocketHandler(f))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?store=profiles"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, f, "profiles", 1)

	if err := f.Publish(context.Background(), NewEvent("profiles", "p1", KindLost, "A")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != KindLost || ev.Key != "p1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketHandlerMissingStore(t *testing.T) {
	srv := httptest.NewServer(WebSocketHandler(NewInMemory()))
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", resp)
	}
}

func TestWebSocketHandlerContextCancel(t *testing.T) {
	f := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewUnstartedServer(WebSocketHandler(f))
	srv.Config.BaseContext = func(net.Listener) context.Context { return ctx }
	srv.Start()
	defer srv.Close()

	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "?store=profiles"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitWatchers(t, f, "profiles", 1)

	cancel()
	waitWatchers(t, f, "profiles", 0)
}
