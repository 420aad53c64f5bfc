package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/logkeeper/internal/capture"
	"github.com/loykin/logkeeper/internal/detector"
	"github.com/loykin/logkeeper/internal/history"
	"github.com/loykin/logkeeper/internal/rotation"
	"github.com/loykin/logkeeper/internal/status"
	"github.com/loykin/logkeeper/internal/tracker"
	"github.com/loykin/logkeeper/internal/writer"
)

const target = "com.example.app"

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptTracker returns the scripted results in order and then repeats the
// last one. done is closed once the script is exhausted.
type scriptTracker struct {
	mu     sync.Mutex
	script []result
	i      int
	done   chan struct{}
}

type result struct {
	pid detector.PID
	err error
}

func newScript(rs ...result) *scriptTracker {
	return &scriptTracker{script: rs, done: make(chan struct{})}
}

func pid(p string) result { return result{pid: detector.PID(p)} }

func (s *scriptTracker) Poll(ctx context.Context) (detector.PID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.script[len(s.script)-1]
	if s.i < len(s.script) {
		r = s.script[s.i]
		s.i++
		if s.i == len(s.script) {
			close(s.done)
		}
	}
	return r.pid, r.err
}

// stubCapture records attach calls and can simulate a source crash.
type stubCapture struct {
	mu       sync.Mutex
	state    capture.State
	pid      detector.PID
	attaches []detector.PID
	detaches int
	mode     capture.State
	failNext bool
	sink     *writer.Writer
	crashed  chan detector.PID
}

func newStubCapture() *stubCapture {
	return &stubCapture{mode: capture.Attached, crashed: make(chan detector.PID, 1)}
}

func (c *stubCapture) Attach(_ context.Context, pid detector.PID) (capture.State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attaches = append(c.attaches, pid)
	if c.failNext {
		c.failNext = false
		c.state = capture.Detached
		return capture.Detached, errors.New("no log source")
	}
	c.state, c.pid = c.mode, pid
	if c.sink != nil {
		c.sink.Append("line from " + string(pid))
	}
	return c.mode, nil
}

func (c *stubCapture) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detaches++
	c.state, c.pid = capture.Detached, detector.NoPID
}

func (c *stubCapture) State() capture.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *stubCapture) Crashed() <-chan detector.PID { return c.crashed }

func (c *stubCapture) crash() {
	c.mu.Lock()
	p := c.pid
	c.state, c.pid = capture.Detached, detector.NoPID
	c.mu.Unlock()
	c.crashed <- p
}

func (c *stubCapture) attachCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.attaches)
}

type recordSink struct {
	mu     sync.Mutex
	events []history.Event
	err    error
}

func (s *recordSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, string(e.Type))
	}
	return out
}

type fixture struct {
	dir     string
	tracker *scriptTracker
	capture *stubCapture
	writer  *writer.Writer
	sink    *recordSink
	mon     *Monitor
}

func newFixture(t *testing.T, tr *scriptTracker, mutate func(o *Options)) *fixture {
	t.Helper()
	dir := t.TempDir()
	w, err := writer.New(writer.Options{Dir: dir, Target: target, Policy: rotation.Default(), Logger: quiet})
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	f := &fixture{dir: dir, tracker: tr, capture: newStubCapture(), writer: w, sink: &recordSink{}}
	opts := Options{
		Target:       target,
		StatusPath:   filepath.Join(dir, status.FileName),
		Interval:     5 * time.Millisecond,
		WaitPoll:     time.Millisecond,
		WaitTimeout:  0,
		StopDebounce: 1,
		Tracker:      tr,
		Capture:      f.capture,
		Writer:       w,
		History:      []history.Sink{f.sink},
		Logger:       quiet,
	}
	if mutate != nil {
		mutate(&opts)
	}
	f.mon, err = New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return f
}

// run starts the loop, waits for the tracker script to be consumed plus a
// few more iterations, then stops the monitor.
func (f *fixture) run(t *testing.T) {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.mon.Run(context.Background()) }()
	select {
	case <-f.tracker.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("tracker script not consumed")
	}
	time.Sleep(30 * time.Millisecond)
	f.mon.RequestStop()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("monitor did not stop")
	}
}

var markerRE = regexp.MustCompile(`=== ([A-Z_]+)(?:: (.*))? ===$`)

// markers returns "EVENT detail" for every marker line in dir.
func markers(t *testing.T, dir string) []string {
	t.Helper()
	files, err := rotation.List(dir, target)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var out []string
	for i := len(files) - 1; i >= 0; i-- {
		b, err := os.ReadFile(files[i].Path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		for _, line := range strings.Split(string(b), "\n") {
			if m := markerRE.FindStringSubmatch(line); m != nil {
				out = append(out, strings.TrimSpace(m[1]+" "+m[2]))
			}
		}
	}
	return out
}

func equal(a, b []string) bool {
	return strings.Join(a, "|") == strings.Join(b, "|")
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error without target")
	}
	if _, err := New(Options{Target: target}); err == nil {
		t.Fatalf("expected error without collaborators")
	}
}

func TestIdentitySequenceEmitsTransitions(t *testing.T) {
	f := newFixture(t, newScript(pid(""), pid("100"), pid("100"), pid(""), pid("200")), nil)
	f.run(t)

	want := []string{
		"APP_START com.example.app (pid 100)",
		"APP_STOP com.example.app (pid 100)",
		"APP_START com.example.app (pid 200)",
		"MONITOR_STOP com.example.app",
	}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
	if got := f.sink.types(); !equal(got, []string{"app_start", "app_stop", "app_start", "monitor_stop"}) {
		t.Fatalf("history events: %v", got)
	}
	if f.capture.attachCount() != 2 {
		t.Fatalf("want 2 attaches, got %v", f.capture.attaches)
	}
}

func TestRestartEmitsAppRestart(t *testing.T) {
	f := newFixture(t, newScript(pid("100"), pid("101")), nil)
	f.run(t)

	want := []string{
		"APP_START com.example.app (pid 100)",
		"APP_RESTART com.example.app (new pid 101)",
		"MONITOR_STOP com.example.app",
	}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
}

func TestLookupFailureIsNotAStop(t *testing.T) {
	failed := result{err: tracker.ErrLookupFailed}
	f := newFixture(t, newScript(pid("100"), failed, failed, pid("100")), nil)
	f.run(t)

	want := []string{"APP_START com.example.app (pid 100)", "MONITOR_STOP com.example.app"}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
}

func TestStopDebounce(t *testing.T) {
	f := newFixture(t, newScript(pid("100"), pid(""), pid("100"), pid(""), pid("")), func(o *Options) {
		o.StopDebounce = 2
	})
	f.run(t)

	want := []string{
		"APP_START com.example.app (pid 100)",
		"APP_STOP com.example.app (pid 100)",
		"MONITOR_STOP com.example.app",
	}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
}

func TestWaitForStartFindsTarget(t *testing.T) {
	f := newFixture(t, newScript(pid(""), pid(""), pid(""), pid("300")), func(o *Options) {
		o.Interval = time.Hour
		o.WaitTimeout = 5 * time.Second
	})
	f.run(t)

	want := []string{"APP_START com.example.app (pid 300)", "MONITOR_STOP com.example.app"}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
}

func TestCrashReattachesWithoutEvent(t *testing.T) {
	f := newFixture(t, newScript(pid("100")), func(o *Options) {
		o.Interval = time.Hour
	})
	f.capture.sink = f.writer

	errc := make(chan error, 1)
	go func() { errc <- f.mon.Run(context.Background()) }()
	waitFor(t, func() bool { return f.capture.attachCount() == 1 })
	fileBefore := f.writer.Stats().File

	time.Sleep(5 * time.Millisecond)
	f.capture.crash()
	waitFor(t, func() bool { return f.capture.attachCount() == 2 })

	if f.capture.attaches[1] != "100" {
		t.Fatalf("re-attached to %q", f.capture.attaches[1])
	}
	if st := f.writer.Stats(); st.File != fileBefore || st.Lines != 2 {
		t.Fatalf("recovery must continue the same file: before=%s after=%+v", fileBefore, st)
	}

	f.mon.RequestStop()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"APP_START com.example.app (pid 100)", "MONITOR_STOP com.example.app"}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
	if got := f.sink.types(); !equal(got, []string{"app_start", "capture_restart", "monitor_stop"}) {
		t.Fatalf("history events: %v", got)
	}
}

func TestAttachFailureRetriedNextIteration(t *testing.T) {
	f := newFixture(t, newScript(pid("100"), pid("100"), pid("100")), nil)
	f.capture.failNext = true
	f.run(t)

	if f.capture.attachCount() < 2 {
		t.Fatalf("expected retry after failed attach, got %v", f.capture.attaches)
	}
	want := []string{"APP_START com.example.app (pid 100)", "MONITOR_STOP com.example.app"}
	if got := markers(t, f.dir); !equal(got, want) {
		t.Fatalf("markers:\n got %q\nwant %q", got, want)
	}
	if got := f.sink.types(); !equal(got, []string{"app_start", "monitor_stop"}) {
		t.Fatalf("a retried attach is not a capture restart, history: %v", got)
	}
}

func TestFallbackRecordedInHistory(t *testing.T) {
	f := newFixture(t, newScript(pid("100")), nil)
	f.capture.mode = capture.FallbackAttached
	f.run(t)

	if got := f.sink.types(); !equal(got, []string{"app_start", "capture_fallback", "monitor_stop"}) {
		t.Fatalf("history events: %v", got)
	}
}

func TestHistoryFailureDoesNotStopLoop(t *testing.T) {
	f := newFixture(t, newScript(pid("100"), pid(""), pid("100")), nil)
	f.sink.err = errors.New("sink down")
	f.run(t)

	if got := markers(t, f.dir); len(got) != 4 {
		t.Fatalf("expected 4 markers despite sink errors, got %q", got)
	}
}

func TestRequestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, newScript(pid("100")), nil)
	f.mon.RequestStop()
	f.mon.RequestStop()
	if err := f.mon.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	f.mon.RequestStop()

	n := 0
	for _, m := range markers(t, f.dir) {
		if strings.HasPrefix(m, "MONITOR_STOP") {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("want exactly one MONITOR_STOP, got %d", n)
	}
	if err := f.mon.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Run: %v", err)
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	f := newFixture(t, newScript(pid("100")), func(o *Options) { o.Interval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- f.mon.Run(ctx) }()
	waitFor(t, func() bool { return f.capture.attachCount() == 1 })
	cancel()
	select {
	case <-errc:
	case <-time.After(5 * time.Second):
		t.Fatalf("cancel did not stop the loop")
	}
	if f.capture.State() != capture.Detached {
		t.Fatalf("capture still attached after stop")
	}
}

func TestStatusRecordWritten(t *testing.T) {
	f := newFixture(t, newScript(pid("100")), func(o *Options) { o.Interval = time.Hour })
	f.capture.sink = f.writer
	errc := make(chan error, 1)
	go func() { errc <- f.mon.Run(context.Background()) }()
	<-f.mon.Started()
	waitFor(t, func() bool {
		rec, err := status.Read(filepath.Join(f.dir, status.FileName))
		return err == nil && rec.AppPID != nil
	})

	rec, err := status.Read(filepath.Join(f.dir, status.FileName))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !rec.Running || *rec.AppPID != "100" || rec.LogCount != 1 || rec.Target != target {
		t.Fatalf("unexpected running record: %+v", rec)
	}
	if rec.MonitorPID != os.Getpid() || rec.CurrentFile == "" || rec.CaptureMode != "attached" {
		t.Fatalf("unexpected running record: %+v", rec)
	}

	f.mon.RequestStop()
	<-errc
	rec, err = status.Read(filepath.Join(f.dir, status.FileName))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Running {
		t.Fatalf("final record must have running=false")
	}
	if snap := f.mon.Snapshot(); snap.Running || snap.LogCount != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
