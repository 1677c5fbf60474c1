// Package mock produces synthetic probe output for development and demos.
// Its lines follow the same grammar as the real eBPF probe.
package mock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"time"
)

// ErrCrash is returned by Run when the configured crash point is reached.
var ErrCrash = errors.New("simulated probe crash")

type mockProcess struct {
	pid      int
	name     string
	pattern  string
	types    []string
	ports    []int
	sizeBase int
	fd       int
	typeIdx  int
	portIdx  int
}

type Options struct {
	Rate       time.Duration // tick interval
	CrashAfter int           // exit with ErrCrash after this many telemetry lines; 0 = never
	Seed       int64
}

type Generator struct {
	out   *bufio.Writer
	opts  Options
	rnd   *rand.Rand
	now   func() time.Time
	procs []*mockProcess

	emitted int
}

func NewGenerator(out io.Writer, opts Options) *Generator {
	if opts.Rate <= 0 {
		opts.Rate = 200 * time.Millisecond
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Generator{
		out:  bufio.NewWriter(out),
		opts: opts,
		rnd:  rand.New(rand.NewSource(opts.Seed)),
		now:  time.Now,
		procs: []*mockProcess{
			{pid: 1042, name: "nginx", pattern: "steady", fd: 12,
				types: []string{"READ", "WRITE", "WRITE", "SENDTO"}, ports: []int{443, 80}, sizeBase: 1400},
			{pid: 2210, name: "postgres", pattern: "burst", fd: 7,
				types: []string{"RECVFROM", "READ", "WRITE"}, ports: []int{5432}, sizeBase: 8192},
			{pid: 3377, name: "curl", pattern: "stall", fd: 3,
				types: []string{"CONNECT", "SENDTO", "RECVFROM"}, ports: []int{443}, sizeBase: 512},
			{pid: 4100, name: "python3 worker.py", pattern: "steady", fd: 5,
				types: []string{"READ", "WRITE"}, ports: []int{6379, 8080}, sizeBase: 256},
			{pid: 5531, name: "kworker/u8:2 (flush)", pattern: "stall", fd: -1,
				types: []string{"WRITE"}, ports: []int{0}, sizeBase: 4096},
		},
	}
}

// Run writes the startup banner, then telemetry lines every tick until ctx
// is cancelled or the crash point is reached.
func (g *Generator) Run(ctx context.Context) error {
	g.status("Starting eBPF probe (mock)")
	g.status("Attached kprobes: sys_read sys_write sys_sendto sys_recvfrom sys_connect")
	g.status("Probe ready, listening for events")
	if err := g.out.Flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(g.opts.Rate)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			g.status("Detaching probes, exiting")
			return g.out.Flush()
		case <-ticker.C:
			tick++
			for _, p := range g.procs {
				for i := g.burstSize(p, tick); i > 0; i-- {
					g.telemetry(p)
					if g.opts.CrashAfter > 0 && g.emitted >= g.opts.CrashAfter {
						g.out.Flush()
						return ErrCrash
					}
				}
			}
			if g.rnd.Intn(10) == 0 {
				fmt.Fprintf(g.out, "libbpf: perf buffer lost %d samples\n", 1+g.rnd.Intn(8))
			}
			if err := g.out.Flush(); err != nil {
				return err
			}
		}
	}
}

// burstSize is how many events p emits on this tick.
func (g *Generator) burstSize(p *mockProcess, tick int) int {
	switch p.pattern {
	case "burst":
		if tick%4 == 0 {
			return 3 + g.rnd.Intn(4)
		}
		return 0
	case "stall":
		if tick%7 == 0 {
			return 1
		}
		return 0
	default:
		return 1
	}
}

func (g *Generator) telemetry(p *mockProcess) {
	typ := p.types[p.typeIdx%len(p.types)]
	p.typeIdx++
	port := p.ports[p.portIdx%len(p.ports)]
	if p.typeIdx%len(p.types) == 0 {
		p.portIdx++
	}
	size := p.sizeBase/2 + g.rnd.Intn(p.sizeBase+1)

	fmt.Fprintf(g.out, "[%d] PID: %d (%s) FD: %d Type: %s Size: %d Port: %d\n",
		g.now().UnixMilli(), p.pid, escapeProcess(p.name), p.fd, typ, size, port)
	g.emitted++
}

func (g *Generator) status(msg string) {
	fmt.Fprintln(g.out, msg)
}

// Emitted reports how many telemetry lines have been written.
func (g *Generator) Emitted() int {
	return g.emitted
}

var processEscaper = strings.NewReplacer(`\`, `\\`, `)`, `\)`)

func escapeProcess(name string) string {
	return processEscaper.Replace(name)
}
