package detector

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const DefaultPSCommand = "ps -A"

// PSLookup scans a process listing and returns the PID column (second field)
// of the first row mentioning the target.
type PSLookup struct{ Command string }

func (l PSLookup) command() string {
	if strings.TrimSpace(l.Command) == "" {
		return DefaultPSCommand
	}
	return l.Command
}

func (l PSLookup) Find(ctx context.Context, target string) (PID, error) {
	cmd, err := buildCommand(ctx, l.command())
	if err != nil {
		return NoPID, err
	}
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return NoPID, fmt.Errorf("%s: %w", l.command(), ctx.Err())
		}
		return NoPID, fmt.Errorf("%s: %w", l.command(), err)
	}
	return parsePSListing(stdout.String(), target, os.Getpid()), nil
}

func (l PSLookup) Describe() string { return "ps:" + l.command() }

// parsePSListing returns the PID of the first row containing target.
// Rows whose second column is not numeric (headers) and the row of self
// are ignored.
func parsePSListing(out, target string, self int) PID {
	if target == "" {
		return NoPID
	}
	selfStr := strconv.Itoa(self)
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, target) {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if _, err := strconv.Atoi(fields[1]); err != nil {
			continue
		}
		if fields[1] == selfStr {
			continue
		}
		return PID(fields[1])
	}
	return NoPID
}
