package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/logkeeper/internal/detector"
)

// ErrSourceUnavailable means a log source could not be started.
var ErrSourceUnavailable = errors.New("log source unavailable")

// PIDPlaceholder is replaced with the tracked PID in scoped source arguments.
const PIDPlaceholder = "{pid}"

// killWait bounds how long Terminate waits for the kernel to reap the group
// after SIGKILL.
const killWait = 500 * time.Millisecond

var (
	DefaultScopedArgs = []string{"logcat", "--pid", PIDPlaceholder, "-v", "threadtime"}
	DefaultGlobalArgs = []string{"logcat", "-v", "threadtime"}
)

// Source is a running log stream.
type Source interface {
	// Stdout yields the raw stream until the source exits.
	Stdout() io.Reader
	// Wait blocks until the source has exited.
	Wait() error
	// Terminate asks the source to exit, escalating to a forced kill after
	// grace. It returns once the source is gone or the kill was not honoured.
	Terminate(grace time.Duration) error
	// Close releases the read side of the stream, unblocking any reader.
	Close() error
}

// Opener starts log sources. Scoped sources only emit lines of one process;
// the global source emits everything and must be filtered by the caller.
type Opener interface {
	Scoped(ctx context.Context, pid detector.PID) (Source, error)
	Global(ctx context.Context) (Source, error)
}

// CommandOpener runs external commands as log sources, each in its own
// process group so teardown reaches any children.
type CommandOpener struct {
	ScopedArgs []string
	GlobalArgs []string
	// Env is the full "K=V" environment of the commands; nil inherits ours.
	Env []string
}

// NewCommandOpener returns an opener for the logcat tool.
func NewCommandOpener() CommandOpener {
	return CommandOpener{ScopedArgs: DefaultScopedArgs, GlobalArgs: DefaultGlobalArgs}
}

func (o CommandOpener) Scoped(ctx context.Context, pid detector.PID) (Source, error) {
	if len(o.ScopedArgs) == 0 {
		return nil, fmt.Errorf("%w: no scoped command configured", ErrSourceUnavailable)
	}
	args := make([]string, len(o.ScopedArgs))
	for i, a := range o.ScopedArgs {
		args[i] = strings.ReplaceAll(a, PIDPlaceholder, string(pid))
	}
	return startCommand(ctx, args, o.Env)
}

func (o CommandOpener) Global(ctx context.Context) (Source, error) {
	if len(o.GlobalArgs) == 0 {
		return nil, fmt.Errorf("%w: no global command configured", ErrSourceUnavailable)
	}
	return startCommand(ctx, o.GlobalArgs, o.Env)
}

type cmdSource struct {
	cmd       *exec.Cmd
	r         *os.File
	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func startCommand(ctx context.Context, args, env []string) (*cmdSource, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// the read side outlives cmd.Wait; the reader drains it until EOF
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipe: %w", err)
	}
	// #nosec G204 -- command comes from the monitor configuration
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = pw
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL) }
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, args[0], err)
	}
	_ = pw.Close()
	s := &cmdSource{cmd: cmd, r: pr, done: make(chan struct{})}
	go func() {
		s.err = cmd.Wait()
		close(s.done)
	}()
	return s, nil
}

func (s *cmdSource) Stdout() io.Reader { return s.r }

func (s *cmdSource) Wait() error {
	<-s.done
	return s.err
}

func (s *cmdSource) Terminate(grace time.Duration) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	pid := s.cmd.Process.Pid
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-s.done:
		return nil
	case <-time.After(grace):
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	select {
	case <-s.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("log source pid %d still running after SIGKILL", pid)
	}
}

func (s *cmdSource) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.r.Close() })
	return err
}
