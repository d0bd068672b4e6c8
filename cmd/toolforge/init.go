package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rendis/toolforge/internal/config"
)

func newInitCmd(a *app) *cobra.Command {
	var force bool
	s := config.DefaultSettings()
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a settings file with the given values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.settingsPath
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
			}
			data, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", path, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Settings written to %s\n", path)
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&force, "force", false, "overwrite an existing settings file")
	flags.StringVar(&s.ConfigPath, "config-path", s.ConfigPath, "forge definition path")
	flags.StringVar(&s.MetricsAddr, "metrics-addr", s.MetricsAddr, "observability HTTP address")
	flags.StringVar(&s.LogLevel, "default-log-level", s.LogLevel, "log level")
	flags.StringVar(&s.LogFormat, "default-log-format", s.LogFormat, "log format")
	flags.IntVar(&s.PoolSize, "pool-size", s.PoolSize, "pipeline branch pool size")
	flags.StringVar(&s.StatePath, "state-path", s.StatePath, "libSQL state database path")
	return cmd
}
