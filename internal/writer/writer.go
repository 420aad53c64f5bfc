package writer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/logkeeper/internal/metrics"
	"github.com/loykin/logkeeper/internal/rotation"
)

// Event is a lifecycle marker written inline with captured lines.
type Event string

const (
	EventAppStart    Event = "APP_START"
	EventAppStop     Event = "APP_STOP"
	EventAppRestart  Event = "APP_RESTART"
	EventMonitorStop Event = "MONITOR_STOP"
)

const (
	// TimestampLayout stamps every line with millisecond precision.
	TimestampLayout = "2006-01-02 15:04:05.000"
	// fileStampLayout is the createdAt part of a rotation-unit file name.
	fileStampLayout = "20060102_150405"
	// maxNameCollisions bounds the _NN suffixes tried when two files are
	// created within the same second.
	maxNameCollisions = 100
)

// file is the subset of *os.File the writer depends on.
type file interface {
	io.Writer
	Name() string
	Sync() error
	Truncate(size int64) error
	Close() error
}

// OpenFunc creates a new rotation-unit file. It must fail with an error
// wrapping os.ErrExist if path already exists.
type OpenFunc func(path string) (file, error)

func openExclusive(path string) (file, error) {
	// #nosec G304 -- path is built from the configured log root
	return os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
}

// Options configure a Writer.
type Options struct {
	Dir    string
	Target string
	Policy rotation.Policy
	// Now supplies timestamps; defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
	// Open overrides how files are created; used by tests to inject failures.
	Open OpenFunc
}

// Stats is a consistent snapshot of the writer counters.
type Stats struct {
	Lines     uint64 `json:"lines"`
	File      string `json:"file"`
	FileBytes int64  `json:"file_bytes"`
}

// Writer owns the currently open rotation-unit file. All methods are safe
// for concurrent use: the capture reader appends while the watch loop
// snapshots and emits events.
type Writer struct {
	mu     sync.Mutex
	dir    string
	target string
	policy rotation.Policy
	now    func() time.Time
	log    *slog.Logger
	open   OpenFunc

	cur      file
	curPath  string
	curBytes int64
	fresh    bool // current file holds only its header
	lines    uint64
	closed   bool
}

func New(opts Options) (*Writer, error) {
	if opts.Target == "" {
		return nil, errors.New("writer: target is required")
	}
	if opts.Dir == "" {
		return nil, errors.New("writer: dir is required")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("writer: %w", err)
	}
	w := &Writer{
		dir:    opts.Dir,
		target: opts.Target,
		policy: opts.Policy,
		now:    opts.Now,
		log:    opts.Logger,
		open:   opts.Open,
	}
	if w.now == nil {
		w.now = time.Now
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	if w.open == nil {
		w.open = openExclusive
	}
	return w, nil
}

// Append stamps line and writes it, rotating first when the size bound
// would be exceeded. Failures are logged and the line is dropped.
func (w *Writer) Append(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.write(w.stamp(line)) {
		w.lines++
		metrics.IncLines(w.target)
	}
}

// AppendEvent writes a marker line through the same rotation-aware path as
// Append so markers and the lines they bracket keep their relative order.
func (w *Writer) AppendEvent(ev Event, detail string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	payload := fmt.Sprintf("=== %s ===", ev)
	if detail != "" {
		payload = fmt.Sprintf("=== %s: %s ===", ev, detail)
	}
	w.write(w.stamp(payload))
}

// Close syncs and closes the current file. Later appends are ignored.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.closeCurrent()
	metrics.SetCurrentFileBytes(w.target, 0)
	return err
}

// Stats returns the counters under the writer lock.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Stats{Lines: w.lines, FileBytes: w.curBytes}
	if w.cur != nil {
		s.File = filepath.Base(w.curPath)
	}
	return s
}

func (w *Writer) stamp(payload string) string {
	return "[" + w.now().Format(TimestampLayout) + "] " + payload + "\n"
}

// write must be called with mu held. It reports whether entry reached disk.
func (w *Writer) write(entry string) bool {
	if w.closed {
		return false
	}
	n := int64(len(entry))
	if w.cur == nil {
		if err := w.rotate(); err != nil {
			w.log.Error("failed to create log file", "dir", w.dir, "error", err)
			metrics.IncWriteError(w.target)
			return false
		}
	} else if w.policy.ShouldRotate(w.curBytes, n, w.fresh) {
		w.log.Info("file reached size limit, rotating",
			"file", filepath.Base(w.curPath),
			"size", humanize.IBytes(uint64(w.curBytes)))
		if err := w.rotate(); err != nil {
			// keep appending to the old file; retried on the next line
			w.log.Error("rotation failed", "file", w.curPath, "error", err)
			metrics.IncWriteError(w.target)
		}
	}

	if _, err := io.WriteString(w.cur, entry); err != nil {
		w.log.Error("failed to write log line", "file", w.curPath, "error", err)
		metrics.IncWriteError(w.target)
		w.rollback()
		return false
	}
	w.curBytes += n
	w.fresh = false
	metrics.SetCurrentFileBytes(w.target, w.curBytes)
	return true
}

// rollback drops whatever part of a failed write reached the file so the
// next successful append starts on a clean line boundary.
func (w *Writer) rollback() {
	if err := w.cur.Truncate(w.curBytes); err != nil {
		w.log.Warn("failed to truncate partial write", "file", w.curPath, "error", err)
	}
}

// rotate opens a fresh file, writes its header, then closes the previous
// file and runs the retention sweep. The previous file stays current when the
// new one cannot be created.
func (w *Writer) rotate() error {
	created := w.now()
	f, path, err := w.create(created)
	if err != nil {
		return err
	}
	header := w.header(created)
	if _, err := io.WriteString(f, header); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write header %s: %w", path, err)
	}
	if err := w.closeCurrent(); err != nil {
		w.log.Warn("failed to close previous log file", "error", err)
	}
	w.cur, w.curPath = f, path
	w.curBytes = int64(len(header))
	w.fresh = true
	metrics.IncRotation(w.target)
	metrics.SetCurrentFileBytes(w.target, w.curBytes)
	w.log.Info("created log file", "file", filepath.Base(path))

	removed, err := w.policy.Sweep(w.dir, w.target, path)
	for _, r := range removed {
		w.log.Info("removed old log file", "file", r.Name, "size", humanize.IBytes(uint64(r.Size)))
	}
	if len(removed) > 0 {
		metrics.AddFilesDeleted(w.target, len(removed))
		w.log.Info("retention sweep finished", "removed", len(removed))
	}
	if err != nil {
		w.log.Error("retention sweep incomplete", "error", err)
	}
	return nil
}

func (w *Writer) create(created time.Time) (file, string, error) {
	base := w.target + "_" + created.Format(fileStampLayout)
	for i := 0; i < maxNameCollisions; i++ {
		name := base + ".log"
		if i > 0 {
			name = fmt.Sprintf("%s_%02d.log", base, i)
		}
		path := filepath.Join(w.dir, name)
		f, err := w.open(path)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("create %s: %w", path, err)
		}
		return f, path, nil
	}
	return nil, "", fmt.Errorf("create %s: too many files created within one second", base)
}

func (w *Writer) closeCurrent() error {
	if w.cur == nil {
		return nil
	}
	f := w.cur
	w.cur = nil
	serr := f.Sync()
	cerr := f.Close()
	return errors.Join(serr, cerr)
}

func (w *Writer) header(created time.Time) string {
	return fmt.Sprintf(`# Log Capture File
# Target: %s
# Created: %s
# Max File Bytes: %d (%s)
# Max Files: %d
# ==========================================

`, w.target, created.Format(time.RFC3339), w.policy.MaxFileBytes,
		humanize.IBytes(uint64(w.policy.MaxFileBytes)), w.policy.MaxFileCount)
}
