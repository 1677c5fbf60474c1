// Package parser turns single lines of probe output into events.
//
// Two grammars are recognised, tried in order:
//
//	[<ts>] PID: <pid> (<process>) FD: <fd> Type: <type> Size: <size> Port: <port>
//
// yields a TelemetryEvent when every numeric field parses, and nothing at
// all when one does not. <process> is kept verbatim; it may hold any
// character except an unescaped ')'. Lines that do not have that shape but
// contain one of the status markers yield a SystemEvent carrying the whole
// line. Everything else is discarded.
package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tapcast/broker/internal/event"
)

// DefaultMarkers are the status phrases that promote a free-text line to a
// SystemEvent. Matching is case-insensitive.
var DefaultMarkers = []string{
	"starting",
	"started",
	"connected",
	"attached",
	"listening",
	"ready",
	"detaching",
	"exiting",
}

var telemetryLine = regexp.MustCompile(
	`^\s*\[([^\]]*)\]` +
		`\s+PID:\s+(\S+)` +
		`\s+\(((?:[^)\\]|\\.)*)\)` +
		`\s+FD:\s+(\S+)` +
		`\s+Type:\s+(\S+)` +
		`\s+Size:\s+(\S+)` +
		`\s+Port:\s+(\S+)\s*$`,
)

// Outcome classifies what Parse did with a line.
type Outcome int

const (
	Unmatched Outcome = iota // neither grammar applies
	Malformed                // structured shape, bad numeric field
	Telemetry
	System
)

func (o Outcome) String() string {
	switch o {
	case Malformed:
		return "malformed"
	case Telemetry:
		return "telemetry"
	case System:
		return "system"
	default:
		return "unmatched"
	}
}

// Parser is safe for concurrent use; it holds no mutable state.
type Parser struct {
	now     func() time.Time
	markers []string
}

type Option func(*Parser)

// WithClock overrides the time source used for receivedAt and system
// timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithMarkers replaces DefaultMarkers. Empty entries are ignored.
func WithMarkers(markers []string) Option {
	return func(p *Parser) {
		p.markers = p.markers[:0]
		for _, m := range markers {
			if m = strings.TrimSpace(m); m != "" {
				p.markers = append(p.markers, strings.ToLower(m))
			}
		}
	}
}

func New(opts ...Option) *Parser {
	p := &Parser{now: time.Now}
	WithMarkers(DefaultMarkers)(p)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse returns the event for line, if any.
func (p *Parser) Parse(line string) (event.Event, bool) {
	ev, outcome := p.Classify(line)
	return ev, outcome == Telemetry || outcome == System
}

// Classify is Parse with the reason a line produced no event.
func (p *Parser) Classify(line string) (event.Event, Outcome) {
	if m := telemetryLine.FindStringSubmatch(line); m != nil {
		ev, ok := p.telemetry(line, m)
		if !ok {
			return nil, Malformed
		}
		return ev, Telemetry
	}

	lower := strings.ToLower(line)
	for _, marker := range p.markers {
		if strings.Contains(lower, marker) {
			return event.NewSystem(line, p.now()), System
		}
	}
	return nil, Unmatched
}

func (p *Parser) telemetry(line string, m []string) (event.TelemetryEvent, bool) {
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return event.TelemetryEvent{}, false
	}
	pid, err := strconv.Atoi(m[2])
	if err != nil {
		return event.TelemetryEvent{}, false
	}
	fd, err := strconv.Atoi(m[4])
	if err != nil {
		return event.TelemetryEvent{}, false
	}
	size, err := strconv.ParseInt(m[6], 10, 64)
	if err != nil {
		return event.TelemetryEvent{}, false
	}
	port, err := strconv.Atoi(m[7])
	if err != nil {
		return event.TelemetryEvent{}, false
	}

	return event.TelemetryEvent{
		Timestamp:  ts,
		PID:        pid,
		Process:    m[3],
		FD:         fd,
		EventType:  m[5],
		Size:       size,
		Port:       port,
		Raw:        line,
		ReceivedAt: event.FormatReceivedAt(p.now()),
	}, true
}
