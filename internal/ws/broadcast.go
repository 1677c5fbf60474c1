package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tapcast/broker/internal/event"
	xlog "github.com/tapcast/broker/internal/log"
	"github.com/tapcast/broker/internal/metrics"
)

// Sink receives every published payload after client fan-out. Send must
// not block.
type Sink interface {
	Send(payload []byte)
}

// Broadcaster fans events out to every registered client. A client whose
// queue is full is disconnected; delivery to the others is unaffected.
type Broadcaster struct {
	registry *Registry
	opts     ClientOptions
	sinks    []Sink
	now      func() time.Time
	log      zerolog.Logger
}

func NewBroadcaster(registry *Registry, opts ClientOptions, sinks ...Sink) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		opts:     opts.withDefaults(),
		sinks:    sinks,
		now:      time.Now,
		log:      xlog.WithComponent("broadcast"),
	}
}

// Registry exposes the client set the broadcaster delivers to.
func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Publish encodes ev once and queues it for every current client. It never
// fails; per-client problems only remove that client.
func (b *Broadcaster) Publish(ev event.Event) {
	data, err := event.Encode(ev)
	if err != nil {
		b.log.Error().Err(err).Msg("dropping unencodable event")
		return
	}
	metrics.IncPublished(string(ev.Kind()))

	b.registry.ForEach(func(c *client) {
		if !c.enqueue(data) {
			b.remove(c, "overflow")
		}
	})

	for _, s := range b.sinks {
		s.Send(data)
	}
}

// Register admits conn as a new subscriber. The welcome event is queued
// before the client joins the registry, so it precedes every broadcast the
// client will see.
func (b *Broadcaster) Register(conn *websocket.Conn, remote string) (*client, error) {
	c := newClient(conn, remote, b.now(), b.opts)

	welcome, err := event.Encode(event.NewSystem(WelcomeMessage, c.connectedAt))
	if err == nil {
		c.enqueue(welcome)
	}

	if err := b.registry.Add(c); err != nil {
		// The handshake is already done, so the refusal goes in a close
		// frame rather than a 503.
		c.close()
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, msgTooManyClients)
		_ = conn.WriteControl(websocket.CloseMessage, msg, b.now().Add(b.opts.WriteTimeout))
		conn.Close()
		return nil, err
	}
	metrics.SetClients(b.registry.Len())
	b.log.Info().Str("client_id", c.id).Str("remote", remote).Msg("client connected")

	go c.writePump(func() { b.remove(c, "write_error") })
	go c.readPump(func() { b.remove(c, "closed") })
	return c, nil
}

func (b *Broadcaster) remove(c *client, reason string) {
	if !b.registry.Remove(c) {
		return
	}
	metrics.IncClientRemoved(reason)
	metrics.SetClients(b.registry.Len())
	b.log.Info().Str("client_id", c.id).Str("reason", reason).Msg("client removed")
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	return b.registry.Len()
}

// Close disconnects every client with a going-away close frame.
func (b *Broadcaster) Close() {
	b.registry.ForEach(func(c *client) {
		b.remove(c, "shutdown")
	})
}
