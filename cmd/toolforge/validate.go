package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/rendis/toolforge/internal/config"
	"github.com/rendis/toolforge/internal/forge"
)

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a forge definition without starting it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.settings.ConfigPath
			if len(args) == 1 {
				path = args[0]
			}
			cfg, err := config.Load(path)
			if err != nil {
				return err
			}

			builtins := forge.BuiltinTools()
			nat := natives()
			result := config.Validate(cfg,
				func(name string) bool { return slices.Contains(builtins, name) },
				func(name string) bool {
					_, ok := nat[name]
					return ok
				})

			out := cmd.OutOrStdout()
			for _, issue := range result.Issues() {
				fmt.Fprintln(cmd.ErrOrStderr(), issue)
			}
			if err := result.ToError(); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is valid: %d tools, %d schedules\n", path, len(cfg.Tools), len(cfg.Schedules))
			return nil
		},
	}
}
