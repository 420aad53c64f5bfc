package writer

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/loykin/logkeeper/internal/rotation"
)

// fakeClock advances by step on every call so file names are distinct and ordered.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func newFakeClock(step time.Duration) *fakeClock {
	return &fakeClock{t: time.Date(2025, 7, 21, 10, 0, 0, 0, time.Local), step: step}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func newTestWriter(t *testing.T, dir string, p rotation.Policy, clock func() time.Time) *Writer {
	t.Helper()
	w, err := New(Options{Dir: dir, Target: "com.example.app", Policy: p, Now: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		out = append(out, s.Text())
	}
	return out
}

// dataLines returns lines after the header block.
func dataLines(t *testing.T, path string) []string {
	var out []string
	for _, l := range readLines(t, path) {
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}

func TestNewValidates(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(Options{Dir: dir, Policy: rotation.Default()}); err == nil {
		t.Fatalf("expected error without target")
	}
	if _, err := New(Options{Target: "x", Policy: rotation.Default()}); err == nil {
		t.Fatalf("expected error without dir")
	}
	if _, err := New(Options{Dir: dir, Target: "x", Policy: rotation.Policy{}}); err == nil {
		t.Fatalf("expected error for invalid policy")
	}
}

func TestAppendWritesHeaderAndStampedLines(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 1 << 20, MaxFileCount: 3}, nil)

	w.Append("07-21 10:00:00.123  1234  1234 I Tag: hello")
	w.Append("second")

	st := w.Stats()
	if st.Lines != 2 {
		t.Fatalf("lines=%d want 2", st.Lines)
	}
	if !strings.HasPrefix(st.File, "com.example.app_") || !strings.HasSuffix(st.File, ".log") {
		t.Fatalf("unexpected file name %q", st.File)
	}
	path := filepath.Join(dir, st.File)
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != st.FileBytes {
		t.Fatalf("tracked bytes %d differ from file size %d", st.FileBytes, fi.Size())
	}

	lines := readLines(t, path)
	if lines[0] != "# Log Capture File" || lines[1] != "# Target: com.example.app" {
		t.Fatalf("unexpected header: %q", lines[:2])
	}
	var maxBytes, maxFiles bool
	for _, l := range lines {
		if strings.HasPrefix(l, "# Max File Bytes: 1048576") {
			maxBytes = true
		}
		if l == "# Max Files: 3" {
			maxFiles = true
		}
	}
	if !maxBytes || !maxFiles {
		t.Fatalf("header missing policy values: %q", lines)
	}

	data := dataLines(t, path)
	stamp := regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3}\] `)
	if len(data) != 2 {
		t.Fatalf("expected 2 data lines, got %q", data)
	}
	for _, l := range data {
		if !stamp.MatchString(l) {
			t.Fatalf("line not stamped: %q", l)
		}
	}
	if !strings.HasSuffix(data[0], "I Tag: hello") {
		t.Fatalf("payload changed: %q", data[0])
	}
}

func TestAppendEventFormat(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 1 << 20, MaxFileCount: 3}, nil)
	w.AppendEvent(EventAppStart, "com.example.app (pid 100)")
	w.AppendEvent(EventMonitorStop, "")

	data := dataLines(t, filepath.Join(dir, w.Stats().File))
	if len(data) != 2 {
		t.Fatalf("expected 2 markers, got %q", data)
	}
	if !strings.HasSuffix(data[0], "] === APP_START: com.example.app (pid 100) ===") {
		t.Fatalf("unexpected marker: %q", data[0])
	}
	if !strings.HasSuffix(data[1], "] === MONITOR_STOP ===") {
		t.Fatalf("unexpected marker: %q", data[1])
	}
	if w.Stats().Lines != 0 {
		t.Fatalf("markers must not count as captured lines")
	}
}

// Scenario: a 100 byte budget and two retained files; four files are
// created and only the two most recent survive.
func TestRotationRetainsMostRecent(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock(time.Second)
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 100, MaxFileCount: 2}, clock.Now)

	var created []string
	for i := 0; i < 4; i++ {
		w.Append(strings.Repeat("x", 60))
		created = append(created, w.Stats().File)
	}
	for i := 1; i < len(created); i++ {
		if created[i] == created[i-1] {
			t.Fatalf("expected a new file per append, got %q", created)
		}
	}

	files, err := rotation.List(dir, "com.example.app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("expected 2 retained files, got %d", len(files))
	}
	got := map[string]bool{files[0].Name: true, files[1].Name: true}
	if !got[created[2]] || !got[created[3]] {
		t.Fatalf("retained %v, want %s and %s", got, created[2], created[3])
	}
}

func TestNoFileExceedsBudgetByMoreThanOneLine(t *testing.T) {
	dir := t.TempDir()
	clock := newFakeClock(time.Second)
	p := rotation.Policy{MaxFileBytes: 1024, MaxFileCount: 100}
	w := newTestWriter(t, dir, p, clock.Now)

	longest := 0
	for i := 0; i < 200; i++ {
		payload := strings.Repeat("y", 10+(i*37)%150)
		entryLen := len("[2025-07-21 10:00:00.000] ") + len(payload) + 1
		if entryLen > longest {
			longest = entryLen
		}
		w.Append(payload)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, err := rotation.List(dir, "com.example.app")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("expected several rotations, got %d files", len(files))
	}
	total := 0
	for _, f := range files {
		if f.Size > p.MaxFileBytes+int64(longest) {
			t.Fatalf("%s is %d bytes, budget %d + line %d", f.Name, f.Size, p.MaxFileBytes, longest)
		}
		for _, l := range dataLines(t, f.Path) {
			if !strings.HasPrefix(l, "[") || !strings.HasSuffix(l, "y") {
				t.Fatalf("split or corrupt line in %s: %q", f.Name, l)
			}
			total++
		}
	}
	if total != 200 {
		t.Fatalf("expected 200 lines across files, got %d", total)
	}
}

func TestNameCollisionGetsSuffix(t *testing.T) {
	dir := t.TempDir()
	frozen := time.Date(2025, 7, 21, 10, 0, 0, 0, time.Local)
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 10, MaxFileCount: 10}, func() time.Time { return frozen })
	w.Append("a")
	first := w.Stats().File
	w.Append("b")
	second := w.Stats().File
	if first != "com.example.app_20250721_100000.log" {
		t.Fatalf("unexpected first name %q", first)
	}
	if second != "com.example.app_20250721_100000_01.log" {
		t.Fatalf("unexpected second name %q", second)
	}
}

// flakyFile simulates a full disk: while fail is set, half of the buffer
// reaches the file before ENOSPC is returned.
type flakyFile struct {
	*os.File
	fail *atomic.Bool
}

func (f *flakyFile) Write(p []byte) (int, error) {
	if f.fail.Load() {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, syscall.ENOSPC
	}
	return f.File.Write(p)
}

func TestWriteFailureLeavesNoPartialLine(t *testing.T) {
	dir := t.TempDir()
	var fail atomic.Bool
	w, err := New(Options{
		Dir:    dir,
		Target: "com.example.app",
		Policy: rotation.Policy{MaxFileBytes: 1 << 20, MaxFileCount: 2},
		Open: func(path string) (file, error) {
			f, err := openExclusive(path)
			if err != nil {
				return nil, err
			}
			return &flakyFile{File: f.(*os.File), fail: &fail}, nil
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()

	w.Append("before")
	fail.Store(true)
	w.Append("lost-line-that-should-not-appear")
	fail.Store(false)
	w.Append("after")

	st := w.Stats()
	if st.Lines != 2 {
		t.Fatalf("lines=%d want 2", st.Lines)
	}
	path := filepath.Join(dir, st.File)
	data := dataLines(t, path)
	if len(data) != 2 {
		t.Fatalf("expected 2 intact lines, got %q", data)
	}
	if !strings.HasSuffix(data[0], "] before") || !strings.HasSuffix(data[1], "] after") {
		t.Fatalf("unexpected content: %q", data)
	}
	fi, _ := os.Stat(path)
	if fi.Size() != st.FileBytes {
		t.Fatalf("size %d != tracked %d", fi.Size(), st.FileBytes)
	}
}

func TestCreateFailureDropsLineAndRecovers(t *testing.T) {
	dir := t.TempDir()
	var fail atomic.Bool
	fail.Store(true)
	w, err := New(Options{
		Dir:    dir,
		Target: "com.example.app",
		Policy: rotation.Policy{MaxFileBytes: 1 << 20, MaxFileCount: 2},
		Open: func(path string) (file, error) {
			if fail.Load() {
				return nil, &os.PathError{Op: "open", Path: path, Err: syscall.EACCES}
			}
			return openExclusive(path)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = w.Close() }()

	w.Append("dropped")
	if st := w.Stats(); st.Lines != 0 || st.File != "" {
		t.Fatalf("expected nothing written, got %+v", st)
	}
	fail.Store(false)
	w.Append("kept")
	st := w.Stats()
	if st.Lines != 1 || st.File == "" {
		t.Fatalf("expected recovery, got %+v", st)
	}
}

func TestAppendAfterCloseIsIgnored(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 1 << 20, MaxFileCount: 2}, nil)
	w.Append("one")
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	w.Append("two")
	if st := w.Stats(); st.Lines != 1 || st.File != "" {
		t.Fatalf("unexpected stats after close: %+v", st)
	}
}

func TestConcurrentAppendAndStats(t *testing.T) {
	dir := t.TempDir()
	w := newTestWriter(t, dir, rotation.Policy{MaxFileBytes: 4096, MaxFileCount: 1000}, nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				_ = w.Stats()
			}
		}
	}()
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				w.Append("concurrent line payload")
			}
		}()
	}
	wg.Wait()
	close(stop)
	if st := w.Stats(); st.Lines != 800 {
		t.Fatalf("lines=%d want 800", st.Lines)
	}
}
