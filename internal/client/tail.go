// Package client is a minimal stream subscriber used by `tapcast tail`.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapcast/broker/internal/event"
)

// Options controls how received events are printed.
type Options struct {
	Raw         bool // print payloads exactly as received
	DialTimeout time.Duration
	Header      http.Header
}

// Tail subscribes to url and writes one line per event to out until the
// server closes the stream or ctx is cancelled. It does not reconnect.
func Tail(ctx context.Context, url string, out io.Writer, opts Options) error {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: opts.DialTimeout}

	conn, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := printEvent(out, data, opts.Raw); err != nil {
			return err
		}
	}
}

func printEvent(out io.Writer, data []byte, raw bool) error {
	if raw {
		_, err := fmt.Fprintf(out, "%s\n", data)
		return err
	}

	ev, err := event.Decode(data)
	if errors.Is(err, event.ErrUnknownKind) {
		_, err = fmt.Fprintf(out, "? %s\n", data)
		return err
	}
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	_, err = fmt.Fprintln(out, Format(ev))
	return err
}

// Format renders ev as a single human-readable line.
func Format(ev event.Event) string {
	switch e := ev.(type) {
	case event.SystemEvent:
		return fmt.Sprintf("%s  system  %s",
			time.UnixMilli(e.Timestamp).UTC().Format(event.ReceivedAtLayout), e.Message)
	case event.TelemetryEvent:
		return fmt.Sprintf("%s  %-8s pid=%d proc=%q fd=%d size=%d port=%d",
			e.ReceivedAt, e.EventType, e.PID, e.Process, e.FD, e.Size, e.Port)
	default:
		return fmt.Sprintf("%v", ev)
	}
}
