package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/loykin/logkeeper/internal/detector"
	"github.com/loykin/logkeeper/internal/metrics"
)

const (
	DefaultGrace = 3 * time.Second
	// DefaultStartWindow is the window in which a scoped source that fails without
	// producing output is taken as unsupported by the platform.
	DefaultStartWindow = 2 * time.Second
	maxLineBytes = 1 << 20
)

// State of a Pump.
type State int

const (
	Detached State = iota
	Attached
	FallbackAttached
)

func (s State) String() string {
	switch s {
	case Attached:
		return "attached"
	case FallbackAttached:
		return "fallback"
	default:
		return "detached"
	}
}

// LineSink receives forwarded lines. It must be safe for concurrent use.
type LineSink interface {
	Append(line string)
}

// Options configure a Pump.
type Options struct {
	Target      string
	Opener      Opener
	Sink        LineSink
	Grace       time.Duration
	StartWindow time.Duration
	Logger      *slog.Logger
}

// Pump forwards the log stream of the tracked process to a LineSink.
// A single reader goroutine runs per attached source; Attach and Detach
// are called from the watch loop.
type Pump struct {
	target      string
	opener      Opener
	sink        LineSink
	grace       time.Duration
	startWindow time.Duration
	log         *slog.Logger

	mu           sync.Mutex
	state        State
	pid          detector.PID
	src          Source
	readerDone   chan struct{}
	gate         *gate
	gen          uint64
	scopedBroken detector.PID // pid whose scoped source failed on start

	crashed chan detector.PID
}

func New(opts Options) (*Pump, error) {
	if opts.Target == "" {
		return nil, errors.New("capture: target is required")
	}
	if opts.Opener == nil || opts.Sink == nil {
		return nil, errors.New("capture: opener and sink are required")
	}
	p := &Pump{
		target:      opts.Target,
		opener:      opts.Opener,
		sink:        opts.Sink,
		grace:       opts.Grace,
		startWindow: opts.StartWindow,
		log:         opts.Logger,
		crashed:     make(chan detector.PID, 1),
	}
	if p.grace <= 0 {
		p.grace = DefaultGrace
	}
	if p.startWindow <= 0 {
		p.startWindow = DefaultStartWindow
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p, nil
}

// Crashed delivers the PID whose source exited while still attached.
func (p *Pump) Crashed() <-chan detector.PID { return p.crashed }

func (p *Pump) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// PID returns the process the pump is attached to, or NoPID.
func (p *Pump) PID() detector.PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Attach tears down any existing source and starts streaming pid. When a
// scoped source cannot be established the filtered global stream is used.
func (p *Pump) Attach(ctx context.Context, pid detector.PID) (State, error) {
	if pid == detector.NoPID {
		return Detached, errors.New("capture: attach requires a pid")
	}
	p.Detach()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.scopedBroken != pid {
		p.scopedBroken = detector.NoPID
	}
	state := Attached
	var src Source
	var err error
	if p.scopedBroken == pid {
		err = fmt.Errorf("%w: scoped capture not supported", ErrSourceUnavailable)
	} else {
		src, err = p.opener.Scoped(ctx, pid)
	}
	if err != nil {
		p.log.Warn("scoped capture unavailable, falling back to filtered global stream",
			"target", p.target, "pid", string(pid), "error", err)
		metrics.IncCaptureFallback(p.target)
		state = FallbackAttached
		src, err = p.opener.Global(ctx)
		if err != nil {
			return Detached, fmt.Errorf("start global log source: %w", err)
		}
	}

	p.gen++
	p.state, p.pid, p.src = state, pid, src
	p.readerDone = make(chan struct{})
	p.gate = &gate{}
	go p.read(p.gen, src, p.gate, pid, state, time.Now(), p.readerDone)
	p.log.Info("capture attached", "target", p.target, "pid", string(pid), "mode", state.String())
	return state, nil
}

// Detach terminates the current source and joins its reader for at most one
// grace period. Lines the old source emits after Detach returns are dropped.
func (p *Pump) Detach() {
	p.mu.Lock()
	src, done, g, pid := p.src, p.readerDone, p.gate, p.pid
	p.gen++
	p.state, p.pid, p.src, p.readerDone, p.gate = Detached, detector.NoPID, nil, nil, nil
	p.mu.Unlock()
	if src == nil {
		return
	}

	// leave room for the forced kill inside the grace period
	term := p.grace - killWait
	if p.grace < 2*killWait {
		term = p.grace / 2
	}
	deadline := time.NewTimer(p.grace)
	defer deadline.Stop()
	go func() {
		if err := src.Terminate(term); err != nil {
			p.log.Warn("log source did not terminate", "target", p.target, "pid", string(pid), "error", err)
		}
	}()
	select {
	case <-done:
	case <-deadline.C:
		p.log.Warn("capture reader still draining, dropping its remaining lines", "target", p.target, "pid", string(pid))
	}
	g.close()
	_ = src.Close()
	p.log.Info("capture detached", "target", p.target, "pid", string(pid))
}

// gate forwards lines of one attachment until it is cut.
type gate struct {
	mu  sync.Mutex
	cut bool
}

func (g *gate) append(sink LineSink, line string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cut {
		return false
	}
	sink.Append(line)
	return true
}

func (g *gate) close() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.cut = true
	g.mu.Unlock()
}

func (p *Pump) read(gen uint64, src Source, g *gate, pid detector.PID, state State, started time.Time, done chan struct{}) {
	defer close(done)

	sc := bufio.NewScanner(src.Stdout())
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lines := 0
	for sc.Scan() {
		line := strings.TrimRightFunc(sc.Text(), unicode.IsSpace)
		if line == "" {
			continue
		}
		if state == FallbackAttached && !strings.Contains(line, p.target) {
			continue
		}
		if !g.append(p.sink, line) {
			break
		}
		lines++
	}
	if err := sc.Err(); err != nil && !p.stale(gen) {
		p.log.Error("reading log source failed", "target", p.target, "pid", string(pid), "error", err)
		// the source may still be writing; stop it so Wait returns
		_ = src.Terminate(p.grace)
	}
	waitErr := src.Wait()
	_ = src.Close()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	if state == Attached && lines == 0 && waitErr != nil && time.Since(started) < p.startWindow {
		p.scopedBroken = pid
		p.log.Warn("scoped log source failed on start", "target", p.target, "pid", string(pid), "error", waitErr)
	}
	p.state, p.pid, p.src, p.readerDone, p.gate = Detached, detector.NoPID, nil, nil, nil
	p.mu.Unlock()

	p.log.Warn("log source exited unexpectedly", "target", p.target, "pid", string(pid),
		"mode", state.String(), "lines", lines, "error", waitErr)
	select {
	case p.crashed <- pid:
	default:
	}
}

func (p *Pump) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.gen
}
