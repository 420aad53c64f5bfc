package logkeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/logkeeper/internal/capture"
	"github.com/loykin/logkeeper/internal/config"
	"github.com/loykin/logkeeper/internal/history"
	"github.com/loykin/logkeeper/internal/history/factory"
	"github.com/loykin/logkeeper/internal/metrics"
	"github.com/loykin/logkeeper/internal/monitor"
	"github.com/loykin/logkeeper/internal/pidfile"
	"github.com/loykin/logkeeper/internal/rotation"
	"github.com/loykin/logkeeper/internal/server"
	"github.com/loykin/logkeeper/internal/status"
	lktls "github.com/loykin/logkeeper/internal/tls"
	"github.com/loykin/logkeeper/internal/tracker"
	"github.com/loykin/logkeeper/internal/writer"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = status.Record

type FileInfo = rotation.FileInfo

var (
	ErrAlreadyRunning = pidfile.ErrAlreadyRunning
	ErrNotRunning     = pidfile.ErrNotRunning
	ErrStatusUnknown  = status.ErrUnknown
)

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

func DefaultConfig() *Config { return config.Default() }

// StatusPath is where a monitor for cfg writes its status record.
func StatusPath(cfg *Config) string { return filepath.Join(cfg.Monitor.Dir, status.FileName) }

// PIDPath is the single-instance marker for cfg.
func PIDPath(cfg *Config) string { return filepath.Join(cfg.Monitor.Dir, pidfile.FileName) }

// ReadStatus loads the persisted status record of the monitor configured
// by cfg. A missing or unreadable record wraps ErrStatusUnknown.
func ReadStatus(cfg *Config) (Status, error) { return status.Read(StatusPath(cfg)) }

// Files lists the retained rotation files, newest first.
func Files(cfg *Config) ([]FileInfo, error) { return rotation.List(cfg.Monitor.Dir, cfg.Monitor.Target) }

// Running reports the PID of a live monitor for cfg.
func Running(cfg *Config) (int, bool, error) { return pidfile.Read(PIDPath(cfg)) }

// StopRunning asks the monitor recorded in the pid file to stop, escalating
// to SIGKILL after grace.
func StopRunning(cfg *Config, grace time.Duration) (int, error) {
	return pidfile.Signal(PIDPath(cfg), grace)
}

// Keeper runs one monitor in the current process.
type Keeper struct {
	cfg *Config

	stopOnce sync.Once
	stopReq  chan struct{}

	mu  sync.Mutex
	mon *monitor.Monitor
}

func New(cfg *Config) (*Keeper, error) {
	if cfg == nil {
		return nil, errors.New("logkeeper: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Keeper{cfg: cfg, stopReq: make(chan struct{})}, nil
}

// RequestStop asks a running Start to finish. Idempotent; a request made
// before Start makes Start return right after its first iteration.
func (k *Keeper) RequestStop() {
	k.stopOnce.Do(func() { close(k.stopReq) })
}

// SnapshotStatus returns the live record while Start runs, otherwise the
// persisted one.
func (k *Keeper) SnapshotStatus() (Status, error) {
	k.mu.Lock()
	mon := k.mon
	k.mu.Unlock()
	if mon != nil {
		return mon.Snapshot(), nil
	}
	return ReadStatus(k.cfg)
}

// Start runs the monitor until ctx is cancelled, RequestStop is called or
// the process receives SIGINT, SIGTERM or SIGHUP. Only startup failures are
// returned.
func (k *Keeper) Start(ctx context.Context, foreground bool) error {
	cfg := k.cfg
	if err := os.MkdirAll(cfg.Monitor.Dir, 0o755); err != nil {
		return fmt.Errorf("create log root %s: %w", cfg.Monitor.Dir, err)
	}
	pidPath := PIDPath(cfg)
	if err := pidfile.Acquire(pidPath); err != nil {
		return err
	}
	defer func() { _ = pidfile.Release(pidPath) }()

	log, logCloser := cfg.Log.New(foreground, os.Stderr)
	defer func() { _ = logCloser.Close() }()
	log = log.With("component", "logkeeper")

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	var sinks []history.Sink
	if cfg.History.Enabled {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			return fmt.Errorf("history sink: %w", err)
		}
		if c, ok := sink.(io.Closer); ok {
			defer func() { _ = c.Close() }()
		}
		sinks = append(sinks, sink)
	}

	mon, err := k.build(log, sinks)
	if err != nil {
		return err
	}

	if cfg.Server.Listen != "" {
		tlsCfg, err := lktls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		srv, err := server.NewServer(server.Options{
			Addr:   cfg.Server.Listen,
			Dir:    cfg.Monitor.Dir,
			Target: cfg.Monitor.Target,
			TLS:    tlsCfg,
			Auth:   cfg.Server.Auth,
		}, mon)
		if err != nil {
			return err
		}
		log.Info("status server listening", "addr", srv.Addr, "tls", tlsCfg != nil, "auth", cfg.Server.Auth.Enabled)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	go func() {
		select {
		case <-k.stopReq:
			mon.RequestStop()
		case <-ctx.Done():
		}
	}()

	k.mu.Lock()
	k.mon = mon
	k.mu.Unlock()
	err = mon.Run(ctx)
	k.mu.Lock()
	k.mon = nil
	k.mu.Unlock()
	return err
}

func (k *Keeper) build(log *slog.Logger, sinks []history.Sink) (*monitor.Monitor, error) {
	cfg := k.cfg
	lookups, err := cfg.Lookup.Build()
	if err != nil {
		return nil, err
	}
	tr := tracker.New(cfg.Monitor.Target, lookups...)
	tr.Timeout = cfg.Lookup.Timeout
	tr.Logger = log

	w, err := writer.New(writer.Options{
		Dir:    cfg.Monitor.Dir,
		Target: cfg.Monitor.Target,
		Policy: cfg.Rotation,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	pump, err := capture.New(capture.Options{
		Target: cfg.Monitor.Target,
		Opener: capture.CommandOpener{
			ScopedArgs: cfg.Capture.ScopedArgs,
			GlobalArgs: cfg.Capture.GlobalArgs,
			Env:        cfg.CaptureEnv(),
		},
		Sink:        w,
		Grace:       cfg.Capture.Grace,
		StartWindow: cfg.Capture.StartWindow,
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}
	return monitor.New(monitor.Options{
		Target:         cfg.Monitor.Target,
		StatusPath:     StatusPath(cfg),
		Interval:       cfg.Monitor.Interval,
		WaitPoll:       cfg.Monitor.WaitPoll,
		WaitTimeout:    cfg.Monitor.WaitTimeout,
		StopDebounce:   cfg.Monitor.StopDebounce,
		Tracker:        tr,
		Capture:        pump,
		Writer:         w,
		History:        sinks,
		HistoryTimeout: cfg.History.Timeout,
		SampleTarget:   cfg.Metrics.Enabled,
		Logger:         log,
	})
}

// CheckResult is one dependency preflight outcome.
type CheckResult struct {
	Name string
	Path string
	Err  error
}

// Check verifies that the external tools cfg relies on are installed.
func Check(cfg *Config) []CheckResult {
	var names []string
	for _, m := range cfg.Lookup.Methods {
		switch m {
		case "pidof":
			names = append(names, firstField(cfg.Lookup.Pidof))
		case "ps":
			names = append(names, firstField(cfg.Lookup.PS))
		}
	}
	if len(cfg.Capture.GlobalArgs) > 0 {
		names = append(names, cfg.Capture.GlobalArgs[0])
	}
	if len(cfg.Capture.ScopedArgs) > 0 {
		names = append(names, cfg.Capture.ScopedArgs[0])
	}

	seen := map[string]bool{}
	var out []CheckResult
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		p, err := exec.LookPath(n)
		out = append(out, CheckResult{Name: n, Path: p, Err: err})
	}
	return out
}

func firstField(s string) string {
	f := strings.Fields(s)
	if len(f) == 0 {
		return ""
	}
	return f[0]
}
