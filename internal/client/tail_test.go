package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapcast/broker/internal/config"
	"github.com/tapcast/broker/internal/event"
	"github.com/tapcast/broker/internal/ws"
)

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

func startBroker(t *testing.T) (*httptest.Server, *ws.Broadcaster) {
	t.Helper()
	b := ws.NewBroadcaster(ws.NewRegistry(0), ws.ClientOptions{})
	srv := httptest.NewServer(ws.NewServer(config.ServerConfig{StreamPath: "/ws"}, b))
	t.Cleanup(srv.Close)
	return srv, b
}

func streamURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestTail_PrintsUntilServerCloses(t *testing.T) {
	srv, b := startBroker(t)
	var out syncBuffer

	done := make(chan error, 1)
	go func() { done <- Tail(context.Background(), streamURL(srv), &out, Options{}) }()

	require.Eventually(t, func() bool { return b.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	b.Publish(event.TelemetryEvent{
		Timestamp: 1, PID: 42, Process: "nginx", FD: 3, EventType: "WRITE",
		Size: 512, Port: 443, ReceivedAt: "2026-01-02T03:04:05.000Z",
	})
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "pid=42") }, 2*time.Second, 10*time.Millisecond)
	b.Close()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Tail did not return after server close")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], ws.WelcomeMessage)
	assert.Equal(t, `2026-01-02T03:04:05.000Z  WRITE    pid=42 proc="nginx" fd=3 size=512 port=443`, lines[1])
}

func TestTail_RawAndCancel(t *testing.T) {
	srv, b := startBroker(t)
	var out syncBuffer

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Tail(ctx, streamURL(srv), &out, Options{Raw: true}) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"type":"system"`)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Tail did not return after cancel")
	}
	require.Eventually(t, func() bool { return b.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestTail_UnknownKindIsPrinted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"future","x":1}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var out syncBuffer
	err := Tail(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), &out, Options{})
	require.NoError(t, err)
	assert.Equal(t, "? {\"type\":\"future\",\"x\":1}\n", out.String())
}

func TestTail_HandshakeRejected(t *testing.T) {
	srv, _ := startBroker(t)
	err := Tail(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http")+"/elsewhere", &syncBuffer{}, Options{})
	require.Error(t, err)
}

func TestFormat_System(t *testing.T) {
	got := Format(event.SystemEvent{Message: "probe ready", Timestamp: 0})
	assert.Equal(t, "1970-01-01T00:00:00.000Z  system  probe ready", got)
}
