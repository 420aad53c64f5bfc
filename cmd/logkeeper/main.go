package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/logkeeper"
	"github.com/loykin/logkeeper/internal/auth"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	Target     string
	Dir        string
}

// StartFlags holds flags of the start command.
type StartFlags struct {
	DaemonChild bool
	Wait        time.Duration
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.AddCommand(
		createStartCommand(globalFlags),
		createFgCommand(globalFlags),
		createStopCommand(globalFlags),
		createStatusCommand(globalFlags),
		createCheckCommand(globalFlags),
		createHashPasswordCommand(),
		createInitCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "logkeeper",
		Short: "Capture the log stream of one app across restarts",
		Long: `Logkeeper follows a target process by name, attaches logcat to its
current pid and writes the stream into size-bounded rotating files.

Examples:
  logkeeper start --target=com.example.app
  logkeeper status
  logkeeper fg --config=logkeeper.toml
  logkeeper stop`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.Target, "target", "", "target process name (overrides [monitor].target)")
	root.PersistentFlags().StringVar(&flags.Dir, "dir", "", "log root directory (overrides [monitor].dir)")
	return root
}

// loadConfig reads the config file, applies flag overrides and validates.
func loadConfig(flags *GlobalFlags) (*logkeeper.Config, error) {
	cfg, err := logkeeper.LoadConfig(flags.ConfigPath)
	if err != nil {
		return nil, err
	}
	if t := strings.TrimSpace(flags.Target); t != "" {
		cfg.Monitor.Target = t
	}
	if d := strings.TrimSpace(flags.Dir); d != "" {
		if cfg.Log.Dir == cfg.Monitor.Dir {
			cfg.Log.Dir = d
		}
		cfg.Monitor.Dir = d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	startFlags := &StartFlags{}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the monitor in the background",
		Long: `Start the monitor detached from the terminal. Diagnostics go to
monitor.log in the log root.

Examples:
  logkeeper start
  logkeeper start --target=com.example.app --dir=/sdcard/logcat_logs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			if startFlags.DaemonChild {
				return run(cmd.Context(), cfg, false)
			}
			return startDaemon(cmd.OutOrStdout(), cfg, startFlags.Wait)
		},
	}
	cmd.Flags().BoolVar(&startFlags.DaemonChild, "daemon-child", false, "run as the detached child")
	_ = cmd.Flags().MarkHidden("daemon-child")
	cmd.Flags().DurationVar(&startFlags.Wait, "wait", 3*time.Second, "how long to wait for the background monitor to come up")
	return cmd
}

func createFgCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "fg",
		Short: "Run the monitor in the foreground",
		Long:  `Run the monitor attached to the terminal with colored logs. Ctrl+C stops it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, true)
		},
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	var grace time.Duration
	remote := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the background monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote.URL != "" {
				return remoteStop(commandContext(cmd), cmd.OutOrStdout(), remote)
			}
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			return stopMonitor(cmd.OutOrStdout(), cfg, grace)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 5*time.Second, "time to wait before killing the monitor")
	addRemoteFlags(cmd, remote)
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	var asJSON bool
	remote := &RemoteFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show monitor status and recent log files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote.URL != "" {
				return remoteStatus(commandContext(cmd), cmd.OutOrStdout(), remote, asJSON, time.Now())
			}
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			if asJSON {
				st, err := logkeeper.ReadStatus(cfg)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), st)
				return nil
			}
			printStatus(cmd.OutOrStdout(), cfg, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw status record")
	addRemoteFlags(cmd, remote)
	return cmd
}

func createCheckCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify that the required tools are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(globalFlags)
			if err != nil {
				return err
			}
			return printCheck(cmd.OutOrStdout(), logkeeper.Check(cfg))
		},
	}
}

func createHashPasswordCommand() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "hash-password",
		Short: "Print a bcrypt hash for [server.auth].password_hash",
		Long: `Hash a password for the status server. The password is read from
--password or, when omitted, from the first line of stdin.

Examples:
  echo -n secret | logkeeper hash-password`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password to hash (default: read stdin)")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func run(ctx context.Context, cfg *logkeeper.Config, foreground bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	k, err := logkeeper.New(cfg)
	if err != nil {
		return err
	}
	return k.Start(ctx, foreground)
}

func stopMonitor(out io.Writer, cfg *logkeeper.Config, grace time.Duration) error {
	pid, err := logkeeper.StopRunning(cfg, grace)
	if errors.Is(err, logkeeper.ErrNotRunning) {
		_, _ = fmt.Fprintln(out, "monitor is not running")
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "monitor stopped (pid %d)\n", pid)
	return nil
}

func printCheck(out io.Writer, results []logkeeper.CheckResult) error {
	missing := 0
	for _, r := range results {
		if r.Err != nil {
			missing++
			_, _ = fmt.Fprintf(out, "[missing] %s\n", r.Name)
			continue
		}
		_, _ = fmt.Fprintf(out, "[ok]      %s (%s)\n", r.Name, r.Path)
	}
	if missing > 0 {
		return fmt.Errorf("%d required tool(s) missing", missing)
	}
	return nil
}
