package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// FileName is the status record name inside the log root.
const FileName = "monitor_status.json"

// ErrUnknown means no usable status record exists. Callers must not read it
// as "not running".
var ErrUnknown = errors.New("status unknown")

// Record is the externally readable snapshot of a running monitor.
type Record struct {
	Target           string     `json:"target"`
	MonitorPID       int        `json:"monitor_pid"`
	AppPID           *string    `json:"app_pid"`
	AppStartedAt     *time.Time `json:"app_started_at,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	CurrentTime      time.Time  `json:"current_time"`
	LogCount         uint64     `json:"log_count"`
	CurrentFile      string     `json:"current_file"`
	CurrentFileBytes int64      `json:"current_file_bytes"`
	CurrentFileSize  string     `json:"current_file_size"`
	CaptureMode      string     `json:"capture_mode,omitempty"`
	Running          bool       `json:"running"`
}

// Uptime is the time between start and the snapshot.
func (r Record) Uptime() time.Duration {
	if r.StartTime.IsZero() || r.CurrentTime.Before(r.StartTime) {
		return 0
	}
	return r.CurrentTime.Sub(r.StartTime)
}

// Stale reports whether the record is older than maxAge at now.
func (r Record) Stale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(r.CurrentTime) > maxAge
}

// Write replaces the record at path atomically: readers see either the old
// or the new record, never a partial one.
func Write(path string, rec Record) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp status: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace status: %w", err)
	}
	return nil
}

// Read loads the record at path. A missing or unparsable file yields
// ErrUnknown.
func Read(path string) (Record, error) {
	// #nosec G304 -- path is the configured status file
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Record{}, ErrUnknown
		}
		return Record{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnknown, err)
	}
	return rec, nil
}
