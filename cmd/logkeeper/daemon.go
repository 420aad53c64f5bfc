package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/loykin/logkeeper"
)

// startDaemon re-executes the binary as a detached session leader and waits
// until the child holds the pid marker.
func startDaemon(out io.Writer, cfg *logkeeper.Config, wait time.Duration) error {
	if pid, alive, err := logkeeper.Running(cfg); err == nil && alive {
		_, _ = fmt.Fprintf(out, "monitor already running (pid %d)\n", pid)
		return nil
	}
	if err := os.MkdirAll(cfg.Monitor.Dir, 0o755); err != nil {
		return fmt.Errorf("create log root %s: %w", cfg.Monitor.Dir, err)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	// #nosec G204 -- re-executes this binary with its own arguments
	cmd := exec.Command(executable, childArgs(os.Args[1:])...)
	configureDaemonAttrs(cmd)
	// stdio goes to /dev/null; diagnostics are written to monitor.log
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon process: %w", err)
	}
	child := cmd.Process.Pid
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	deadline := time.After(wait)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return fmt.Errorf("monitor exited during startup (see %s): %v", cfg.Log.FilePath(), err)
		case <-deadline:
			_, _ = fmt.Fprintf(out, "monitor starting in background (pid %d)\n", child)
			return nil
		case <-tick.C:
			if pid, alive, err := logkeeper.Running(cfg); err == nil && alive && pid == child {
				_, _ = fmt.Fprintf(out, "monitor started (pid %d)\n", child)
				_, _ = fmt.Fprintf(out, "logs: %s\n", cfg.Monitor.Dir)
				return nil
			}
		}
	}
}

// childArgs returns the arguments of the detached child.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		if a == "--daemon-child" {
			continue
		}
		out = append(out, a)
	}
	return append(out, "--daemon-child")
}

func configureDaemonAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // new session, no controlling terminal
	}
}
