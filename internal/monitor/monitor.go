package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/logkeeper/internal/capture"
	"github.com/loykin/logkeeper/internal/detector"
	"github.com/loykin/logkeeper/internal/history"
	"github.com/loykin/logkeeper/internal/metrics"
	"github.com/loykin/logkeeper/internal/status"
	"github.com/loykin/logkeeper/internal/writer"
)

// Defaults for the watch loop timing.
const (
	DefaultInterval       = 5 * time.Second
	DefaultWaitPoll       = 2 * time.Second
	DefaultWaitTimeout    = 30 * time.Second
	DefaultHistoryTimeout = 2 * time.Second
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("monitor already started")

// Tracker resolves the current PID of the target.
type Tracker interface {
	Poll(ctx context.Context) (detector.PID, error)
}

// Capture is the part of the capture pump the watch loop drives.
type Capture interface {
	Attach(ctx context.Context, pid detector.PID) (capture.State, error)
	Detach()
	State() capture.State
	Crashed() <-chan detector.PID
}

// EventWriter persists captured lines and lifecycle markers.
type EventWriter interface {
	AppendEvent(ev writer.Event, detail string)
	Stats() writer.Stats
	Close() error
}

// Options configure a Monitor.
type Options struct {
	Target string
	// StatusPath is rewritten after every loop iteration; empty disables it.
	StatusPath string

	Interval    time.Duration
	WaitPoll    time.Duration
	WaitTimeout time.Duration
	// StopDebounce is the number of consecutive confirmed-absent polls
	// needed before APP_STOP is emitted.
	StopDebounce int

	Tracker Tracker
	Capture Capture
	Writer  EventWriter

	History        []history.Sink
	HistoryTimeout time.Duration

	// SampleTarget publishes CPU and memory of the tracked process.
	SampleTarget bool
	Logger       *slog.Logger
	Now          func() time.Time
}

// Monitor is the supervisor: it follows the target across restarts and
// keeps the capture pump attached to whichever PID is current.
type Monitor struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	started  chan struct{}
	runOnce  sync.Once

	mu           sync.Mutex
	current      detector.PID
	appStartedAt *time.Time
	startTime    time.Time
	running      bool

	// owned by the watch loop
	misses       int
	lastAttach   time.Time
	attachFailed bool
}

func New(opts Options) (*Monitor, error) {
	if opts.Target == "" {
		return nil, errors.New("monitor: target is required")
	}
	if opts.Tracker == nil || opts.Capture == nil || opts.Writer == nil {
		return nil, errors.New("monitor: tracker, capture and writer are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.WaitPoll <= 0 {
		opts.WaitPoll = DefaultWaitPoll
	}
	if opts.WaitTimeout < 0 {
		opts.WaitTimeout = 0
	}
	if opts.StopDebounce < 1 {
		opts.StopDebounce = 1
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = DefaultHistoryTimeout
	}
	m := &Monitor{
		opts:    opts,
		log:     opts.Logger,
		now:     opts.Now,
		stop:    make(chan struct{}),
		started: make(chan struct{}),
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.log = m.log.With("target", opts.Target)
	return m, nil
}

// RequestStop asks the loop to finish. It is idempotent and safe to call
// from any goroutine, before or after Run.
func (m *Monitor) RequestStop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Started is closed once Run has written its first status record.
func (m *Monitor) Started() <-chan struct{} { return m.started }

// Run executes the watch loop until ctx is cancelled or RequestStop is
// called. Failures inside the loop are logged and never returned.
func (m *Monitor) Run(ctx context.Context) error {
	first := false
	m.runOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	// capture sources are torn down with their grace period in shutdown,
	// not killed by loop cancellation
	capCtx, capCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer capCancel()

	m.mu.Lock()
	m.startTime = m.now()
	m.running = true
	m.mu.Unlock()
	m.log.Info("monitor started", "pid", os.Getpid(), "interval", m.opts.Interval)
	m.writeStatus()
	close(m.started)

	for ctx.Err() == nil {
		m.step(ctx, capCtx)
		m.sampleTarget(ctx)
		m.writeStatus()
		if !m.sleep(ctx, m.opts.Interval) {
			break
		}
	}
	m.shutdown()
	return nil
}

// step runs one iteration of the identity state machine.
func (m *Monitor) step(ctx, capCtx context.Context) {
	id, err := m.opts.Tracker.Poll(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn("target lookup failed, state unknown this cycle", "error", err)
		}
		return
	}
	cur := m.currentPID()

	if id == detector.NoPID {
		if cur != detector.NoPID {
			m.misses++
			if m.misses < m.opts.StopDebounce {
				m.log.Debug("target not found, waiting for confirmation",
					"pid", string(cur), "misses", m.misses)
				return
			}
			m.appStopped(ctx, cur)
			return
		}
		id = m.waitForStart(ctx)
		if id == detector.NoPID {
			return
		}
	}
	m.misses = 0

	switch {
	case id != cur:
		m.transition(ctx, capCtx, cur, id)
	case m.opts.Capture.State() == capture.Detached && m.attachFailed:
		m.log.Info("retrying capture attach", "pid", string(id))
		m.attach(ctx, capCtx, id)
	case m.opts.Capture.State() == capture.Detached:
		m.restartCapture(ctx, capCtx, id)
	}
}

// waitForStart polls more frequently until the target appears, the wait
// ceiling passes or the monitor is stopped.
func (m *Monitor) waitForStart(ctx context.Context) detector.PID {
	if m.opts.WaitTimeout <= 0 {
		return detector.NoPID
	}
	m.log.Info("waiting for target to start", "timeout", m.opts.WaitTimeout)
	deadline := time.Now().Add(m.opts.WaitTimeout)
	for time.Now().Before(deadline) {
		if !m.sleep(ctx, m.opts.WaitPoll) {
			return detector.NoPID
		}
		id, err := m.opts.Tracker.Poll(ctx)
		if err != nil {
			m.log.Debug("lookup failed while waiting for start", "error", err)
			continue
		}
		if id != detector.NoPID {
			return id
		}
	}
	m.log.Info("target not started yet, continuing to watch")
	return detector.NoPID
}

func (m *Monitor) transition(ctx, capCtx context.Context, prev, id detector.PID) {
	m.opts.Capture.Detach()
	if prev == detector.NoPID {
		m.log.Info("target started", "pid", string(id))
		m.emit(ctx, writer.EventAppStart, id, fmt.Sprintf("%s (pid %s)", m.opts.Target, id))
	} else {
		m.log.Info("target restarted", "old_pid", string(prev), "pid", string(id))
		m.emit(ctx, writer.EventAppRestart, id, fmt.Sprintf("%s (new pid %s)", m.opts.Target, id))
	}

	var started *time.Time
	if t, err := detector.StartTime(id); err == nil {
		started = &t
	}
	m.mu.Lock()
	m.current = id
	m.appStartedAt = started
	m.mu.Unlock()
	metrics.SetTracked(m.opts.Target, true)

	m.attach(ctx, capCtx, id)
}

func (m *Monitor) appStopped(ctx context.Context, pid detector.PID) {
	m.log.Info("target stopped", "pid", string(pid))
	m.opts.Capture.Detach()
	m.emit(ctx, writer.EventAppStop, pid, fmt.Sprintf("%s (pid %s)", m.opts.Target, pid))

	m.mu.Lock()
	m.current = detector.NoPID
	m.appStartedAt = nil
	m.mu.Unlock()
	m.misses = 0
	metrics.SetTracked(m.opts.Target, false)
	metrics.ObserveTarget(m.opts.Target, nil)
}

func (m *Monitor) restartCapture(ctx, capCtx context.Context, pid detector.PID) {
	m.log.Warn("capture source exited, re-attaching", "pid", string(pid))
	metrics.IncCaptureRestart(m.opts.Target)
	m.record(ctx, history.EventCaptureRestart, pid, "")
	m.attach(ctx, capCtx, pid)
}

// attach failures leave the pump detached; the next iteration retries
// without counting a capture restart.
func (m *Monitor) attach(ctx, capCtx context.Context, pid detector.PID) {
	m.lastAttach = time.Now()
	state, err := m.opts.Capture.Attach(capCtx, pid)
	m.attachFailed = err != nil
	if err != nil {
		m.log.Error("failed to attach capture", "pid", string(pid), "error", err)
		return
	}
	if state == capture.FallbackAttached {
		m.record(ctx, history.EventCaptureFallback, pid, "global stream filtered by target")
	}
}

// emit writes a lifecycle marker and mirrors it to metrics and history.
func (m *Monitor) emit(ctx context.Context, ev writer.Event, pid detector.PID, detail string) {
	m.opts.Writer.AppendEvent(ev, detail)
	typ := eventType(ev)
	metrics.IncEvent(m.opts.Target, string(typ))
	m.record(ctx, typ, pid, detail)
}

func (m *Monitor) record(ctx context.Context, typ history.EventType, pid detector.PID, detail string) {
	if len(m.opts.History) == 0 {
		return
	}
	e := history.Event{
		Type:       typ,
		OccurredAt: m.now().UTC(),
		Target:     m.opts.Target,
		PID:        string(pid),
		Detail:     detail,
	}
	for _, s := range m.opts.History {
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.HistoryTimeout)
		if err := s.Send(hctx, e); err != nil {
			m.log.Warn("history send failed", "event", string(typ), "error", err)
		}
		cancel()
	}
}

func eventType(ev writer.Event) history.EventType {
	switch ev {
	case writer.EventAppStart:
		return history.EventAppStart
	case writer.EventAppStop:
		return history.EventAppStop
	case writer.EventAppRestart:
		return history.EventAppRestart
	default:
		return history.EventMonitorStop
	}
}

func (m *Monitor) sampleTarget(ctx context.Context) {
	if !m.opts.SampleTarget {
		return
	}
	pid := m.currentPID()
	if pid == detector.NoPID {
		return
	}
	s, err := metrics.SampleTarget(ctx, string(pid))
	if err != nil {
		m.log.Debug("target sample failed", "pid", string(pid), "error", err)
		metrics.ObserveTarget(m.opts.Target, nil)
		return
	}
	metrics.ObserveTarget(m.opts.Target, &s)
}

// sleep waits for d. A capture crash for the current PID ends the wait
// early unless the last attach was too recent. It returns false once the
// monitor is stopping.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			return true
		case pid := <-m.opts.Capture.Crashed():
			if pid != m.currentPID() {
				continue
			}
			m.log.Warn("capture source ended unexpectedly", "pid", string(pid))
			if time.Since(m.lastAttach) >= m.opts.WaitPoll {
				return true
			}
		}
	}
}

func (m *Monitor) shutdown() {
	m.log.Info("stopping monitor")
	m.opts.Capture.Detach()
	m.emit(context.Background(), writer.EventMonitorStop, m.currentPID(), m.opts.Target)
	if err := m.opts.Writer.Close(); err != nil {
		m.log.Error("failed to close log file", "error", err)
	}
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	metrics.SetTracked(m.opts.Target, false)
	metrics.ObserveTarget(m.opts.Target, nil)
	m.writeStatus()
	m.log.Info("monitor stopped", "lines", m.opts.Writer.Stats().Lines)
}

func (m *Monitor) currentPID() detector.PID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Snapshot returns the current status record.
func (m *Monitor) Snapshot() status.Record {
	st := m.opts.Writer.Stats()
	mode := m.opts.Capture.State().String()

	m.mu.Lock()
	defer m.mu.Unlock()
	rec := status.Record{
		Target:           m.opts.Target,
		MonitorPID:       os.Getpid(),
		StartTime:        m.startTime,
		CurrentTime:      m.now(),
		LogCount:         st.Lines,
		CurrentFile:      st.File,
		CurrentFileBytes: st.FileBytes,
		CurrentFileSize:  humanize.IBytes(uint64(st.FileBytes)),
		CaptureMode:      mode,
		Running:          m.running,
	}
	if m.current != detector.NoPID {
		pid := string(m.current)
		rec.AppPID = &pid
	}
	if m.appStartedAt != nil {
		t := *m.appStartedAt
		rec.AppStartedAt = &t
	}
	return rec
}

func (m *Monitor) writeStatus() {
	if m.opts.StatusPath == "" {
		return
	}
	if err := status.Write(m.opts.StatusPath, m.Snapshot()); err != nil {
		m.log.Warn("failed to write status", "path", m.opts.StatusPath, "error", err)
	}
}
