package detector

import (
	"bytes"
	"context"
	"fmt"
	"strings"
)

const DefaultPidofCommand = "pidof"

// PidofLookup asks the pidof tool for the target. pidof exits with status 1
// and prints nothing when no process matches.
type PidofLookup struct{ Command string }

func (l PidofLookup) command() string {
	if strings.TrimSpace(l.Command) == "" {
		return DefaultPidofCommand
	}
	return l.Command
}

func (l PidofLookup) Find(ctx context.Context, target string) (PID, error) {
	cmd, err := buildCommand(ctx, l.command(), target)
	if err != nil {
		return NoPID, err
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err = cmd.Run()
	if ctx.Err() != nil {
		return NoPID, fmt.Errorf("pidof %s: %w", target, ctx.Err())
	}
	out := strings.TrimSpace(stdout.String())
	if err != nil {
		if exitCode(err) == 1 && out == "" {
			return NoPID, nil
		}
		return NoPID, fmt.Errorf("pidof %s: %w", target, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return NoPID, nil
	}
	return PID(fields[0]), nil
}

func (l PidofLookup) Describe() string { return "pidof:" + l.command() }
