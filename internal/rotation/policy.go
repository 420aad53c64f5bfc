package rotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Default bounds match the values the monitor has always shipped with.
const (
	DefaultMaxFileBytes = 200 * 1024 * 1024
	DefaultMaxFileCount = 450
)

// Policy bounds a rotating set of files for one target.
// It is immutable once the monitor starts.
type Policy struct {
	MaxFileBytes int64 `json:"max_file_bytes" mapstructure:"max_file_bytes"`
	MaxFileCount int   `json:"max_file_count" mapstructure:"max_file_count"`
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{MaxFileBytes: DefaultMaxFileBytes, MaxFileCount: DefaultMaxFileCount}
}

func (p Policy) Validate() error {
	if p.MaxFileBytes <= 0 {
		return fmt.Errorf("max_file_bytes must be positive, got %d", p.MaxFileBytes)
	}
	if p.MaxFileCount <= 0 {
		return fmt.Errorf("max_file_count must be positive, got %d", p.MaxFileCount)
	}
	return nil
}

// ShouldRotate reports whether appending lineBytes to a file currently holding
// currentBytes would break the size bound. A fresh file (header only) always
// accepts its first line so that a line larger than the budget cannot cause a
// rotation loop.
func (p Policy) ShouldRotate(currentBytes, lineBytes int64, fresh bool) bool {
	if fresh {
		return false
	}
	return currentBytes+lineBytes > p.MaxFileBytes
}

// FileInfo describes one rotation-unit file on disk.
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Pattern returns the glob matching every rotation-unit file of target in dir.
func Pattern(dir, target string) string {
	return filepath.Join(dir, target+"_*.log")
}

// List returns the rotation-unit files of target in dir, newest first.
// Files are ordered by modification time; ties fall back to the file name,
// which embeds the creation timestamp.
func List(dir, target string) ([]FileInfo, error) {
	matches, err := filepath.Glob(Pattern(dir, target))
	if err != nil {
		return nil, err
	}
	files := make([]FileInfo, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			// removed between glob and stat
			continue
		}
		if st.IsDir() {
			continue
		}
		files = append(files, FileInfo{Path: m, Name: filepath.Base(m), Size: st.Size(), ModTime: st.ModTime()})
	}
	sort.SliceStable(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return files[i].Name > files[j].Name
	})
	return files, nil
}

// Sweep deletes every rotation-unit file of target beyond MaxFileCount,
// oldest first. keep names a path that must survive regardless of its
// position (the file currently open for append). A failure on one file does
// not stop the sweep; all failures are returned joined.
func (p Policy) Sweep(dir, target, keep string) ([]FileInfo, error) {
	files, err := List(dir, target)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", Pattern(dir, target), err)
	}
	if len(files) <= p.MaxFileCount {
		return nil, nil
	}
	keep = filepath.Clean(keep)
	retained := 0
	var removed []FileInfo
	var errs []error
	for _, f := range files {
		if keep != "." && filepath.Clean(f.Path) == keep {
			retained++
			continue
		}
		if retained < p.MaxFileCount && !mustMakeRoom(files, f, keep, p.MaxFileCount, retained) {
			retained++
			continue
		}
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove %s: %w", f.Path, err))
			continue
		}
		removed = append(removed, f)
	}
	return removed, errors.Join(errs...)
}

// mustMakeRoom reports whether f has to go so that keep, positioned after f,
// still fits within max. This only happens when keep is not among the newest
// files, which is unusual but possible after clock adjustments.
func mustMakeRoom(files []FileInfo, f FileInfo, keep string, max, retained int) bool {
	if keep == "." || keep == "" {
		return false
	}
	seen := false
	for _, x := range files {
		if x.Path == f.Path {
			seen = true
			continue
		}
		if seen && filepath.Clean(x.Path) == keep {
			return retained+1 >= max
		}
	}
	return false
}

// IsRotationFile reports whether name looks like a rotation-unit file of target.
func IsRotationFile(name, target string) bool {
	return strings.HasPrefix(name, target+"_") && strings.HasSuffix(name, ".log")
}
