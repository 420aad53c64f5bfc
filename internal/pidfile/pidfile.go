//go:build !windows

package pidfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/logkeeper/internal/detector"
)

// FileName is the marker name inside the log root.
const FileName = ".logkeeper.pid"

var (
	ErrAlreadyRunning = errors.New("monitor already running")
	ErrNotRunning     = errors.New("monitor not running")
)

type meta struct {
	StartUnix int64 `json:"start_unix"`
}

// pidAlive returns true if a process with given pid exists (or EPERM).
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// parse reads the pid from the first line and the optional start time meta
// from the second.
func parse(data string) (int, int64, error) {
	lines := strings.Split(strings.ReplaceAll(data, "\r\n", "\n"), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid: %w", err)
	}
	var start int64
	if len(lines) >= 2 {
		var m meta
		if err := json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m); err == nil {
			start = m.StartUnix
		}
	}
	return pid, start, nil
}

// Read returns the recorded pid and whether that process is still the one
// that wrote the marker. A reused pid with a different start time is not
// alive.
func Read(path string) (int, bool, error) {
	// #nosec G304 -- path is the configured marker
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	pid, start, err := parse(string(b))
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", path, err)
	}
	if !pidAlive(pid) {
		return pid, false, nil
	}
	if start > 0 {
		if cur := detector.StartUnix(pid); cur > 0 && cur != start {
			return pid, false, nil
		}
	}
	return pid, true, nil
}

// Acquire writes the marker for the calling process. It fails with
// ErrAlreadyRunning when a live monitor holds it; stale markers are replaced.
func Acquire(path string) error {
	for attempt := 0; attempt < 2; attempt++ {
		// #nosec G304 -- path is the configured marker
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			self := os.Getpid()
			mb, _ := json.Marshal(meta{StartUnix: detector.StartUnix(self)})
			_, werr := fmt.Fprintf(f, "%d\n%s\n", self, mb)
			cerr := f.Close()
			if werr != nil || cerr != nil {
				_ = os.Remove(path)
				return errors.Join(werr, cerr)
			}
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return err
		}
		pid, alive, rerr := Read(path)
		if rerr == nil && alive && pid != os.Getpid() {
			return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return fmt.Errorf("acquire %s: lost race with another monitor", path)
}

// Release removes the marker if it belongs to the calling process.
func Release(path string) error {
	// #nosec G304 -- path is the configured marker
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid, _, err := parse(string(b)); err == nil && pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Signal asks the monitor recorded at path to stop: SIGTERM, then SIGKILL if
// it is still alive after grace. A stale marker is removed and reported as
// ErrNotRunning.
func Signal(path string, grace time.Duration) (int, error) {
	pid, alive, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !alive {
		_ = os.Remove(path)
		return pid, ErrNotRunning
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal pid %d: %w", pid, err)
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			return pid, nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	_ = os.Remove(path)
	return pid, nil
}
