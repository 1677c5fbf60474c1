// Package supervisor runs the external event producer, turns its stdout
// into events and restarts it when it exits.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/tapcast/broker/internal/config"
	"github.com/tapcast/broker/internal/event"
	xlog "github.com/tapcast/broker/internal/log"
	"github.com/tapcast/broker/internal/metrics"
	"github.com/tapcast/broker/internal/parser"
)

// ErrRestartLimit is returned by Run when restart.max_restarts consecutive
// restarts have been used up.
var ErrRestartLimit = errors.New("producer restart limit reached")

const (
	defaultKillGrace    = 3 * time.Second
	defaultMaxLineBytes = 64 * 1024
)

// Publisher receives every event the producer yields, plus the
// supervisor's own lifecycle notices.
type Publisher interface {
	Publish(ev event.Event)
}

type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateExited     State = "exited"
	StateTerminated State = "terminated"
)

// Status is a point-in-time view of the producer for /status.
type Status struct {
	State         State      `json:"state"`
	PID           int        `json:"pid,omitempty"`
	Restarts      int        `json:"restarts"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastExit      string     `json:"lastExit,omitempty"`
	OversizeLines int64      `json:"oversizeLines"`
	CPUPercent    float64    `json:"cpuPercent,omitempty"`
	RSSBytes      uint64     `json:"rssBytes,omitempty"`
}

type Option func(*Supervisor)

// WithClock sets the clock used for lifecycle event timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// Supervisor owns the producer process. Only the goroutine running Run
// spawns or reaps it; Status may be called from anywhere.
type Supervisor struct {
	cfg     config.ProducerConfig
	policy  config.RestartConfig
	parser  *parser.Parser
	pub     Publisher
	now     func() time.Time
	geteuid func() int
	log     zerolog.Logger

	mu        sync.Mutex
	state     State
	attempt   uint64
	pid       int
	restarts  int
	startedAt time.Time
	lastExit  string

	oversize atomic.Int64
}

func New(cfg config.ProducerConfig, policy config.RestartConfig, p *parser.Parser, pub Publisher, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		policy:  policy,
		parser:  p,
		pub:     pub,
		now:     time.Now,
		geteuid: os.Geteuid,
		log:     xlog.WithComponent("supervisor"),
		state:   StateStarting,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.parser == nil {
		s.parser = parser.New()
	}
	if s.cfg.MaxLineBytes <= 0 {
		s.cfg.MaxLineBytes = defaultMaxLineBytes
	}
	// Without a wait delay, exec.Cmd.Wait never escalates past SIGTERM and
	// blocks for as long as any descendant holds the output pipes.
	if s.cfg.KillGrace <= 0 {
		s.cfg.KillGrace = defaultKillGrace
	}
	return s
}

// Run spawns the producer and keeps it running until ctx is cancelled.
// Cancellation terminates the live process group and cancels any pending
// restart; Run then returns nil. The only other way out is ErrRestartLimit.
func (s *Supervisor) Run(ctx context.Context) error {
	stderrFile := openStderrLog(s.cfg.StderrLog)
	if stderrFile != nil {
		defer stderrFile.Close()
	}
	defer s.setState(StateTerminated)

	policy := s.newBackOff()
	for {
		began := s.now()
		exit := s.runOnce(ctx, stderrFile)
		if ctx.Err() != nil {
			s.log.Info().Msg("producer terminated")
			return nil
		}

		if s.policy.ResetAfter > 0 && s.now().Sub(began) >= s.policy.ResetAfter {
			policy.Reset()
		}
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			s.notify("%s. Restart limit reached; not restarting", exit)
			return fmt.Errorf("%w (%d consecutive)", ErrRestartLimit, s.policy.MaxRestarts)
		}
		s.notify("%s. Restarting in %s", exit, delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("pending restart cancelled")
			return nil
		case <-timer.C:
		}

		s.mu.Lock()
		s.restarts++
		n := s.restarts
		s.mu.Unlock()
		metrics.IncProducerRestart()
		s.log.Info().Int("restarts", n).Msg("restarting producer")
	}
}

// runOnce spawns the producer and blocks until it has exited and its
// output has been drained. It returns a human-readable exit description.
func (s *Supervisor) runOnce(ctx context.Context, stderrFile io.Writer) string {
	attempt := s.beginAttempt()

	name, args := s.command()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	configureProcGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd.Process.Pid) }
	cmd.WaitDelay = s.cfg.KillGrace

	stdout := newLineWriter(s.cfg.MaxLineBytes, s.handleLine, s.dropOversize)
	stderr := newLineWriter(s.cfg.MaxLineBytes, stderrLine(s.log, stderrFile, s.currentPID), nil)
	cmd.Stdout = &notifyWriter{w: stdout, notify: func() { s.markRunning(attempt) }}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		s.endAttempt(err.Error())
		metrics.IncProducerExit("spawn_error")
		s.log.Error().Err(err).Str("path", name).Msg("producer spawn failed")
		return fmt.Sprintf("Failed to start eBPF producer: %v", err)
	}

	pid := cmd.Process.Pid
	s.spawned(pid)
	metrics.IncProducerStart()
	s.log.Info().Int("pid", pid).Str("path", name).Msg("producer started")

	var grace *time.Timer
	if s.cfg.GracePeriod > 0 {
		grace = time.AfterFunc(s.cfg.GracePeriod, func() { s.markRunning(attempt) })
	} else {
		s.markRunning(attempt)
	}

	err := cmd.Wait()
	if grace != nil {
		grace.Stop()
	}
	if kerr := killGroup(pid); kerr != nil {
		s.log.Debug().Err(kerr).Int("pid", pid).Msg("reaping producer group")
	}

	if n := stdout.reset(); n > 0 {
		s.log.Debug().Int("bytes", n).Msg("discarding unterminated producer output")
	}
	stderr.reset()

	desc := describeExit(err)
	s.endAttempt(desc)
	metrics.IncProducerExit(exitCause(err))
	s.log.Warn().Int("pid", pid).Str("exit", desc).Msg("producer exited")
	return fmt.Sprintf("eBPF producer exited (%s)", desc)
}

func (s *Supervisor) command() (string, []string) {
	if s.cfg.Privileged && s.geteuid() != 0 {
		return "sudo", append([]string{"-n", s.cfg.Path}, s.cfg.Args...)
	}
	return s.cfg.Path, s.cfg.Args
}

// newBackOff builds the restart delay policy: constant, or exponential
// when max_delay exceeds delay, optionally capped at max_restarts.
func (s *Supervisor) newBackOff() backoff.BackOff {
	var b backoff.BackOff
	if s.policy.MaxDelay > s.policy.Delay {
		exp := &backoff.ExponentialBackOff{
			InitialInterval:     s.policy.Delay,
			RandomizationFactor: 0,
			Multiplier:          s.policy.Multiplier,
			MaxInterval:         s.policy.MaxDelay,
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		exp.Reset()
		b = exp
	} else {
		b = backoff.NewConstantBackOff(s.policy.Delay)
	}
	if s.policy.MaxRestarts > 0 {
		b = backoff.WithMaxRetries(b, uint64(s.policy.MaxRestarts))
	}
	return b
}

func (s *Supervisor) handleLine(line string) {
	ev, outcome := s.parser.Classify(line)
	metrics.IncLine(outcome.String())
	if ev == nil {
		if outcome == parser.Malformed {
			s.log.Debug().Str("line", line).Msg("dropping malformed telemetry line")
		}
		return
	}
	s.pub.Publish(ev)
}

func (s *Supervisor) dropOversize() {
	s.oversize.Add(1)
	metrics.IncLine("oversize")
	s.log.Warn().Int("limit", s.cfg.MaxLineBytes).Msg("dropping oversize producer line")
}

func (s *Supervisor) notify(format string, args ...any) {
	ev := event.Systemf(s.now(), format, args...)
	s.log.Info().Msg(ev.Message)
	s.pub.Publish(ev)
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStateLocked(state)
}

func (s *Supervisor) setStateLocked(state State) {
	s.state = state
	metrics.SetProducerState(string(state))
}

func (s *Supervisor) beginAttempt() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempt++
	s.pid = 0
	s.setStateLocked(StateStarting)
	return s.attempt
}

func (s *Supervisor) spawned(pid int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = pid
	s.startedAt = s.now()
}

// markRunning promotes attempt to Running. Calls for a stale attempt or a
// producer already past Starting are ignored.
func (s *Supervisor) markRunning(attempt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt != attempt || s.state != StateStarting {
		return
	}
	s.setStateLocked(StateRunning)
	s.log.Info().Int("pid", s.pid).Msg("producer running")
}

func (s *Supervisor) endAttempt(desc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pid = 0
	s.lastExit = desc
	s.setStateLocked(StateExited)
}

func (s *Supervisor) currentPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Status snapshots the producer, sampling CPU and memory while it is live.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:    s.state,
		PID:      s.pid,
		Restarts: s.restarts,
		LastExit: s.lastExit,
	}
	if s.pid > 0 {
		started := s.startedAt
		st.StartedAt = &started
	}
	s.mu.Unlock()

	st.OversizeLines = s.oversize.Load()
	if st.PID > 0 {
		u := sampleUsage(st.PID)
		st.CPUPercent = u.CPUPercent
		st.RSSBytes = u.RSSBytes
	}
	return st
}

// notifyWriter calls notify before every write to w.
type notifyWriter struct {
	w      io.Writer
	notify func()
}

func (n *notifyWriter) Write(p []byte) (int, error) {
	n.notify()
	return n.w.Write(p)
}

func describeExit(err error) string {
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return "exit status 0"
	case errors.As(err, &exitErr):
		return exitErr.Error()
	default:
		return err.Error()
	}
}

func exitCause(err error) string {
	var exitErr *exec.ExitError
	switch {
	case err == nil, errors.Is(err, exec.ErrWaitDelay):
		return "clean"
	case errors.As(err, &exitErr) && exitErr.ExitCode() == -1:
		return "signal"
	default:
		return "error"
	}
}
