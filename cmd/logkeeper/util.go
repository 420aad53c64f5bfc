package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/loykin/logkeeper"
)

const recentFiles = 5

// printStatus renders the status record and the newest rotation files.
func printStatus(out io.Writer, cfg *logkeeper.Config, now time.Time) {
	pid, alive, perr := logkeeper.Running(cfg)
	st, serr := logkeeper.ReadStatus(cfg)

	_, _ = fmt.Fprintf(out, "Target:       %s\n", cfg.Monitor.Target)
	switch {
	case perr == nil && alive:
		_, _ = fmt.Fprintf(out, "Monitor:      running (pid %d)\n", pid)
	case perr == nil:
		_, _ = fmt.Fprintf(out, "Monitor:      not running (stale pid %d)\n", pid)
	default:
		_, _ = fmt.Fprintln(out, "Monitor:      not running")
	}

	if serr != nil {
		if errors.Is(serr, logkeeper.ErrStatusUnknown) {
			_, _ = fmt.Fprintln(out, "Status:       unknown")
		} else {
			_, _ = fmt.Fprintf(out, "Status:       unknown (%v)\n", serr)
		}
	} else {
		appPID := "not running"
		if st.AppPID != nil {
			appPID = *st.AppPID
		}
		_, _ = fmt.Fprintf(out, "App PID:      %s\n", appPID)
		if st.CaptureMode != "" {
			_, _ = fmt.Fprintf(out, "Capture:      %s\n", st.CaptureMode)
		}
		_, _ = fmt.Fprintf(out, "Started:      %s\n", st.StartTime.Local().Format(time.DateTime))
		_, _ = fmt.Fprintf(out, "Uptime:       %s\n", st.Uptime().Round(time.Second))
		_, _ = fmt.Fprintf(out, "Lines:        %s\n", humanize.Comma(int64(st.LogCount)))
		if st.CurrentFile != "" {
			_, _ = fmt.Fprintf(out, "Current file: %s (%s)\n", st.CurrentFile, humanize.IBytes(uint64(st.CurrentFileBytes)))
		}
		if st.Running && st.Stale(now, 3*cfg.Monitor.Interval+cfg.Monitor.WaitTimeout) {
			_, _ = fmt.Fprintf(out, "Warning:      status last updated %s\n", humanize.RelTime(st.CurrentTime, now, "ago", "from now"))
		}
	}

	files, err := logkeeper.Files(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Files:        unavailable (%v)\n", err)
		return
	}
	var total int64
	for _, f := range files {
		total += f.Size
	}
	_, _ = fmt.Fprintf(out, "Files:        %d of %d max, %s total\n", len(files), cfg.Rotation.MaxFileCount, humanize.IBytes(uint64(total)))
	for i, f := range files {
		if i == recentFiles {
			break
		}
		_, _ = fmt.Fprintf(out, "  %-48s %10s  %s\n", f.Name, humanize.IBytes(uint64(f.Size)),
			humanize.RelTime(f.ModTime, now, "ago", "from now"))
	}
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}
