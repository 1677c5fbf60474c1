package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// maxInboundBytes bounds frames read from subscribers; the stream is
// push-only so anything larger is treated as a protocol violation.
const maxInboundBytes = 4096

// ClientOptions tunes per-connection queueing and keepalive.
type ClientOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingInterval time.Duration
	PongTimeout  time.Duration
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.PongTimeout <= o.PingInterval {
		o.PongTimeout = 2 * o.PingInterval
	}
	return o
}

// client is one registered subscriber. Its send queue is drained by
// writePump; the queue is closed exactly once, by Registry.Remove.
type client struct {
	id          string
	conn        *websocket.Conn
	remote      string
	connectedAt time.Time
	opts        ClientOptions

	mu     sync.Mutex // guards send against close
	send   chan []byte
	closed bool
}

func newClient(conn *websocket.Conn, remote string, at time.Time, opts ClientOptions) *client {
	opts = opts.withDefaults()
	return &client{
		id:          uuid.NewString(),
		conn:        conn,
		remote:      remote,
		connectedAt: at,
		opts:        opts,
		send:        make(chan []byte, opts.QueueSize),
	}
}

// enqueue never blocks. It reports false when the queue is full or the
// client has already been removed.
func (c *client) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *client) queued() int {
	return len(c.send)
}

// writePump is the connection's only writer. It returns when the queue is
// closed or a write fails, closing the connection either way.
func (c *client) writePump(onExit func()) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		onExit()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames and exists to observe pongs and
// transport closure.
func (c *client) readPump(onExit func()) {
	defer onExit()

	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
