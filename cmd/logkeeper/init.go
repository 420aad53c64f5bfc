package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/loykin/logkeeper/internal/config"
	"github.com/loykin/logkeeper/pkg/template"
)

// InitFlags holds flags of the init command.
type InitFlags struct {
	Profile string
	Output  string
	Force   bool
}

func createInitCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &InitFlags{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Generate a TOML config for a capture profile. --target and --dir
are written into [monitor].

Examples:
  logkeeper init --target=com.example.app
  logkeeper init --profile=journald --target=nginx --output=/etc/logkeeper.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target := globalFlags.Target
			if target == "" {
				target = config.DefaultTarget
			}
			b, err := template.NewGenerator().GenerateTOML(template.TemplateType(f.Profile), target, globalFlags.Dir)
			if err != nil {
				return err
			}
			if f.Output == "" || f.Output == "-" {
				_, err = cmd.OutOrStdout().Write(b)
				return err
			}
			if !f.Force {
				if _, err := os.Stat(f.Output); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", f.Output)
				} else if !errors.Is(err, os.ErrNotExist) {
					return err
				}
			}
			if err := os.MkdirAll(filepath.Dir(f.Output), 0o750); err != nil {
				return err
			}
			if err := os.WriteFile(f.Output, b, 0o600); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", f.Output)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Profile, "profile", string(template.TypeAndroid), "config profile (android, journald, minimal)")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "file to write (default: stdout)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
