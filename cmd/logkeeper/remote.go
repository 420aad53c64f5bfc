package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/logkeeper/pkg/client"
)

// RemoteFlags point status and stop at a monitor's HTTP server instead of
// the local pid and status files.
type RemoteFlags struct {
	URL      string
	Token    string
	User     string
	Password string
	CACert   string
	Insecure bool
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.URL, "server", "", "status server URL, e.g. https://device:9400")
	cmd.Flags().StringVar(&f.Token, "token", "", "bearer token for the status server")
	cmd.Flags().StringVar(&f.User, "user", "", "basic auth username")
	cmd.Flags().StringVar(&f.Password, "password", "", "basic auth password")
	cmd.Flags().StringVar(&f.CACert, "ca-cert", "", "CA certificate for https servers")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func (f *RemoteFlags) client() (*client.Client, error) {
	cfg := client.Config{
		BaseURL:  f.URL,
		Timeout:  10 * time.Second,
		Insecure: f.Insecure,
		Token:    f.Token,
		Username: f.User,
		Password: f.Password,
	}
	if f.CACert != "" {
		cfg.TLS = &client.TLSClientConfig{CACert: f.CACert}
	}
	return client.New(cfg)
}

func remoteStatus(ctx context.Context, out io.Writer, f *RemoteFlags, asJSON bool, now time.Time) error {
	c, err := f.client()
	if err != nil {
		return err
	}
	st, err := c.Status(ctx)
	if err != nil {
		return fmt.Errorf("status from %s: %w", f.URL, err)
	}
	if asJSON {
		printJSON(out, st)
		return nil
	}
	files, err := c.Files(ctx, recentFiles)
	if err != nil {
		return fmt.Errorf("files from %s: %w", f.URL, err)
	}

	appPID := "not running"
	if st.AppPID != nil {
		appPID = *st.AppPID
	}
	_, _ = fmt.Fprintf(out, "Target:       %s\n", st.Target)
	_, _ = fmt.Fprintf(out, "Monitor:      %s (pid %d)\n", f.URL, st.MonitorPID)
	_, _ = fmt.Fprintf(out, "App PID:      %s\n", appPID)
	if st.CaptureMode != "" {
		_, _ = fmt.Fprintf(out, "Capture:      %s\n", st.CaptureMode)
	}
	_, _ = fmt.Fprintf(out, "Uptime:       %s\n", st.Uptime)
	_, _ = fmt.Fprintf(out, "Lines:        %s\n", humanize.Comma(int64(st.LogCount)))
	_, _ = fmt.Fprintf(out, "Files:        %d, %s total\n", files.Count, files.TotalSize)
	for _, fi := range files.Files {
		_, _ = fmt.Fprintf(out, "  %-48s %10s  %s\n", fi.Name, fi.SizeH, humanize.RelTime(fi.ModTime, now, "ago", "from now"))
	}
	return nil
}

func remoteStop(ctx context.Context, out io.Writer, f *RemoteFlags) error {
	c, err := f.client()
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", f.URL, err)
	}
	_, _ = fmt.Fprintln(out, "stop requested")
	return nil
}
