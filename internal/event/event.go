// Package event defines the records streamed to subscribers: status
// notices from the broker or probe, and parsed telemetry occurrences.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind is the wire discriminator carried in every message's "type" field.
type Kind string

const (
	KindSystem    Kind = "system"
	KindTelemetry Kind = "ebpf_event"
)

// ReceivedAtLayout matches the millisecond ISO-8601 form browsers produce.
const ReceivedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrUnknownKind is returned when a message carries a type tag this
// package does not know.
var ErrUnknownKind = errors.New("unknown event kind")

// Event is implemented only by SystemEvent and TelemetryEvent. Values are
// immutable once built and may be shared across any number of clients.
type Event interface {
	Kind() Kind
	sealed()
}

// SystemEvent is a broker or probe status notice.
type SystemEvent struct {
	Message   string
	Timestamp int64 // ms since epoch
}

// TelemetryEvent is one structured line emitted by the probe.
type TelemetryEvent struct {
	Timestamp  int64 // probe-supplied, ms since epoch
	PID        int
	Process    string
	FD         int
	EventType  string
	Size       int64
	Port       int
	Raw        string
	ReceivedAt string // ReceivedAtLayout, UTC
}

func (SystemEvent) Kind() Kind    { return KindSystem }
func (TelemetryEvent) Kind() Kind { return KindTelemetry }
func (SystemEvent) sealed()       {}
func (TelemetryEvent) sealed()    {}

// NewSystem builds a SystemEvent stamped with at.
func NewSystem(message string, at time.Time) SystemEvent {
	return SystemEvent{Message: message, Timestamp: at.UnixMilli()}
}

// Systemf is NewSystem with fmt-style formatting.
func Systemf(at time.Time, format string, args ...any) SystemEvent {
	return NewSystem(fmt.Sprintf(format, args...), at)
}

// FormatReceivedAt renders t the way TelemetryEvent.ReceivedAt expects.
func FormatReceivedAt(t time.Time) string {
	return t.UTC().Format(ReceivedAtLayout)
}

type systemWire struct {
	Type      Kind   `json:"type"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type telemetryWire struct {
	Type      Kind   `json:"type"`
	Timestamp int64  `json:"timestamp"`
	PID       int    `json:"pid"`
	Process   string `json:"process"`
	FD        int    `json:"fd"`
	EventType string `json:"eventType"`
	Size      int64  `json:"size"`
	Port      int    `json:"port"`
	Raw       string `json:"raw"`
	Time      string `json:"time"`
}

func (e SystemEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(systemWire{Type: KindSystem, Message: e.Message, Timestamp: e.Timestamp})
}

func (e TelemetryEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(telemetryWire{
		Type:      KindTelemetry,
		Timestamp: e.Timestamp,
		PID:       e.PID,
		Process:   e.Process,
		FD:        e.FD,
		EventType: e.EventType,
		Size:      e.Size,
		Port:      e.Port,
		Raw:       e.Raw,
		Time:      e.ReceivedAt,
	})
}

// Encode serializes ev into its wire form.
func Encode(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case SystemEvent:
		return e.MarshalJSON()
	case TelemetryEvent:
		return e.MarshalJSON()
	case nil:
		return nil, fmt.Errorf("encode: nil event: %w", ErrUnknownKind)
	default:
		return nil, fmt.Errorf("encode %T: %w", ev, ErrUnknownKind)
	}
}

// Decode parses one wire message back into an Event.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case KindSystem:
		var w systemWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode system event: %w", err)
		}
		return SystemEvent{Message: w.Message, Timestamp: w.Timestamp}, nil
	case KindTelemetry:
		var w telemetryWire
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("decode telemetry event: %w", err)
		}
		return TelemetryEvent{
			Timestamp:  w.Timestamp,
			PID:        w.PID,
			Process:    w.Process,
			FD:         w.FD,
			EventType:  w.EventType,
			Size:       w.Size,
			Port:       w.Port,
			Raw:        w.Raw,
			ReceivedAt: w.Time,
		}, nil
	default:
		return nil, fmt.Errorf("decode %q: %w", head.Type, ErrUnknownKind)
	}
}
