package ws

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns both ends of the connection. The caller must close the server.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}

	select {
	case serverConn := <-connCh:
		return srv, serverConn, clientConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil, nil
	}
}

// detachedClient is a registry member with no transport, for tests that
// never start the pumps.
func detachedClient(queue int) *client {
	return newClient(nil, "test", time.Now(), ClientOptions{QueueSize: queue})
}

func TestRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	c := detachedClient(4)

	if err := r.Add(c); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !r.Remove(c) {
		t.Fatal("first Remove should report true")
	}
	if r.Remove(c) {
		t.Fatal("second Remove should report false")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}
	if c.enqueue([]byte("late")) {
		t.Error("enqueue after removal should fail")
	}
}

func TestRegistry_MaxClients(t *testing.T) {
	const maxClients = 2
	r := NewRegistry(maxClients)

	var members []*client
	for i := 0; i < maxClients; i++ {
		c := detachedClient(1)
		if err := r.Add(c); err != nil {
			t.Fatalf("Add[%d]: unexpected error: %v", i, err)
		}
		members = append(members, c)
	}
	if !r.Full() {
		t.Fatal("registry should be full")
	}

	if err := r.Add(detachedClient(1)); !errors.Is(err, ErrTooManyClients) {
		t.Fatalf("expected ErrTooManyClients, got %v", err)
	}
	if r.Len() != maxClients {
		t.Fatalf("Len = %d after rejection, want %d", r.Len(), maxClients)
	}

	r.Remove(members[0])
	if err := r.Add(detachedClient(1)); err != nil {
		t.Fatalf("Add after removal: %v", err)
	}
}

func TestRegistry_ZeroMaxIsUnlimited(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 100; i++ {
		if err := r.Add(detachedClient(1)); err != nil {
			t.Fatalf("Add[%d]: %v", i, err)
		}
	}
	if r.Full() {
		t.Error("unlimited registry reported full")
	}
}

func TestRegistry_ForEachToleratesRemoval(t *testing.T) {
	r := NewRegistry(0)
	for i := 0; i < 5; i++ {
		r.Add(detachedClient(1))
	}

	visited := 0
	r.ForEach(func(c *client) {
		visited++
		r.Remove(c)
	})

	if visited != 5 {
		t.Errorf("visited %d clients, want 5", visited)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}

func TestRegistry_SnapshotOldestFirst(t *testing.T) {
	r := NewRegistry(0)
	base := time.Now()
	for i := 2; i >= 0; i-- {
		c := newClient(nil, "10.0.0.1:1", base.Add(time.Duration(i)*time.Second), ClientOptions{QueueSize: 2})
		c.enqueue([]byte("x"))
		r.Add(c)
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].ConnectedAt.Before(snap[i-1].ConnectedAt) {
			t.Errorf("snapshot not ordered by connect time at %d", i)
		}
	}
	if snap[0].Queued != 1 {
		t.Errorf("Queued = %d, want 1", snap[0].Queued)
	}
	if snap[0].ID == "" || snap[0].ID == snap[1].ID {
		t.Error("client ids should be unique and non-empty")
	}
}
