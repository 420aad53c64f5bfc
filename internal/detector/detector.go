package detector

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

// PID is the OS-assigned handle of a process as reported by a lookup tool.
// It is opaque to the monitor; NoPID means "not running".
type PID string

const NoPID PID = ""

// Lookup resolves the current PID of a process identified by name.
// A confirmed absence is reported as (NoPID, nil); an error means the lookup
// itself failed and nothing is known about the target.
// Implementations must be safe for concurrent use.
type Lookup interface {
	Find(ctx context.Context, target string) (PID, error)
	// Describe returns a human-readable description of the lookup method.
	Describe() string
}

// buildCommand splits a configured command line and appends extra args.
// No shell is involved so the target name is never interpreted.
func buildCommand(ctx context.Context, cmdStr string, extra ...string) (*exec.Cmd, error) {
	parts := strings.Fields(strings.TrimSpace(cmdStr))
	if len(parts) == 0 {
		return nil, errors.New("empty lookup command")
	}
	args := append(parts[1:], extra...)
	// #nosec G204 -- command comes from the monitor configuration
	return exec.CommandContext(ctx, parts[0], args...), nil
}

// exitCode returns the exit status carried by err, or -1.
func exitCode(err error) int {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
