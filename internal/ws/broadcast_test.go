package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapcast/broker/internal/event"
)

func newTestBroadcaster(maxClients int, sinks ...Sink) *Broadcaster {
	return NewBroadcaster(NewRegistry(maxClients), ClientOptions{
		QueueSize:    64,
		WriteTimeout: time.Second,
		PingInterval: time.Hour,
		PongTimeout:  2 * time.Hour,
	}, sinks...)
}

func readEvent(t *testing.T, conn *websocket.Conn) event.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	ev, err := event.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return ev
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPublish_IsolatesOverflowingClient(t *testing.T) {
	b := newTestBroadcaster(0)

	healthy := []*client{detachedClient(4), detachedClient(4)}
	stuck := detachedClient(1)
	stuck.enqueue([]byte("backlog"))

	for _, c := range append(healthy, stuck) {
		if err := b.Registry().Add(c); err != nil {
			t.Fatal(err)
		}
	}

	b.Publish(event.SystemEvent{Message: "tick", Timestamp: 1})

	for i, c := range healthy {
		if c.queued() != 1 {
			t.Errorf("healthy[%d] queued = %d, want 1", i, c.queued())
		}
	}
	if b.Registry().contains(stuck) {
		t.Error("overflowing client should have been removed")
	}
	if b.ClientCount() != 2 {
		t.Errorf("ClientCount = %d, want 2", b.ClientCount())
	}

	// A second publish must not try to remove it again or touch its queue.
	b.Publish(event.SystemEvent{Message: "tock", Timestamp: 2})
	if b.ClientCount() != 2 {
		t.Errorf("ClientCount = %d after second publish, want 2", b.ClientCount())
	}
}

func TestPublish_NoClientsIsHarmless(t *testing.T) {
	b := newTestBroadcaster(0)
	b.Publish(event.SystemEvent{Message: "nobody listening"})
	b.Publish(nil)
}

func TestRegister_WelcomePrecedesBroadcasts(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := newTestBroadcaster(0)
	b.Publish(event.SystemEvent{Message: "before registration", Timestamp: 1})

	if _, err := b.Register(serverConn, "test"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer b.Close()

	b.Publish(event.SystemEvent{Message: "after registration", Timestamp: 2})

	first, ok := readEvent(t, clientConn).(event.SystemEvent)
	if !ok || first.Message != WelcomeMessage {
		t.Fatalf("first message = %#v, want welcome", first)
	}
	if first.Timestamp == 0 {
		t.Error("welcome should carry the registration timestamp")
	}

	second, ok := readEvent(t, clientConn).(event.SystemEvent)
	if !ok || second.Message != "after registration" {
		t.Fatalf("second message = %#v, want the post-registration broadcast", second)
	}
}

func TestRegister_ExistingClientsDoNotSeeWelcome(t *testing.T) {
	srv1, s1, c1 := dialTestWS(t)
	defer srv1.Close()
	defer c1.Close()
	srv2, s2, c2 := dialTestWS(t)
	defer srv2.Close()
	defer c2.Close()

	b := newTestBroadcaster(0)
	defer b.Close()

	if _, err := b.Register(s1, "one"); err != nil {
		t.Fatal(err)
	}
	readEvent(t, c1) // own welcome

	if _, err := b.Register(s2, "two"); err != nil {
		t.Fatal(err)
	}
	b.Publish(event.SystemEvent{Message: "shared", Timestamp: 3})

	if got := readEvent(t, c1).(event.SystemEvent); got.Message != "shared" {
		t.Errorf("client one saw %q, want only the shared broadcast", got.Message)
	}
}

func TestPublish_PreservesOrderPerClient(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := newTestBroadcaster(0)
	defer b.Close()
	if _, err := b.Register(serverConn, "test"); err != nil {
		t.Fatal(err)
	}
	readEvent(t, clientConn)

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			b.Publish(event.SystemEvent{Message: fmt.Sprintf("%d", i), Timestamp: int64(i)})
		}
	}()

	for i := 0; i < n; i++ {
		ev := readEvent(t, clientConn).(event.SystemEvent)
		if ev.Timestamp != int64(i) {
			t.Fatalf("message %d arrived out of order (got %d)", i, ev.Timestamp)
		}
	}
}

// TestWritePump_RemovesClientOnWriteError verifies that a failed write
// removes the dead client from the registry.
func TestWritePump_RemovesClientOnWriteError(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	clientConn.Close()

	b := newTestBroadcaster(0)

	// Build the client directly so we control when writePump starts.
	c := newClient(serverConn, "test", time.Now(), b.opts)
	if err := b.Registry().Add(c); err != nil {
		t.Fatal(err)
	}

	serverConn.Close()
	c.enqueue([]byte(`{"type":"system","message":"x","timestamp":0}`))
	go c.writePump(func() { b.remove(c, "write_error") })

	waitFor(t, "client removal", func() bool { return b.ClientCount() == 0 })
}

func TestReadPump_RemovesClientOnDisconnect(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()

	b := newTestBroadcaster(0)
	if _, err := b.Register(serverConn, "test"); err != nil {
		t.Fatal(err)
	}
	readEvent(t, clientConn)

	clientConn.Close()
	waitFor(t, "client removal", func() bool { return b.ClientCount() == 0 })

	// Publishing afterwards reaches nobody and does not panic.
	b.Publish(event.SystemEvent{Message: "after disconnect"})
}

func TestClose_SendsGoingAway(t *testing.T) {
	srv, serverConn, clientConn := dialTestWS(t)
	defer srv.Close()
	defer clientConn.Close()

	b := newTestBroadcaster(0)
	if _, err := b.Register(serverConn, "test"); err != nil {
		t.Fatal(err)
	}
	readEvent(t, clientConn)

	b.Close()
	if b.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after Close", b.ClientCount())
	}

	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := clientConn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestRegister_RejectsAtCapacity(t *testing.T) {
	srv1, s1, c1 := dialTestWS(t)
	defer srv1.Close()
	defer c1.Close()
	srv2, s2, c2 := dialTestWS(t)
	defer srv2.Close()
	defer c2.Close()

	b := newTestBroadcaster(1)
	defer b.Close()

	if _, err := b.Register(s1, "one"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Register(s2, "two"); err != ErrTooManyClients {
		t.Fatalf("expected ErrTooManyClients, got %v", err)
	}
	if b.ClientCount() != 1 {
		t.Errorf("ClientCount = %d, want 1", b.ClientCount())
	}

	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c2.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseTryAgainLater) {
		t.Fatalf("expected try-again-later close, got %v", err)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != msgTooManyClients {
		t.Errorf("close text = %q, want %q", ce.Text, msgTooManyClients)
	}
}

type recordingSink struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (s *recordingSink) Send(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
}

func TestPublish_FeedsSinksOnce(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBroadcaster(0, sink)
	b.Registry().Add(detachedClient(4))

	b.Publish(event.TelemetryEvent{Timestamp: 1, PID: 2, Process: "p", EventType: "READ"})

	if len(sink.payloads) != 1 {
		t.Fatalf("sink got %d payloads, want 1", len(sink.payloads))
	}
	var wire map[string]any
	if err := json.Unmarshal(sink.payloads[0], &wire); err != nil {
		t.Fatal(err)
	}
	if wire["type"] != "ebpf_event" {
		t.Errorf("sink payload type = %v", wire["type"])
	}
}
