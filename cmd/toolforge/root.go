package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/rendis/toolforge/internal/config"
	"github.com/rendis/toolforge/internal/forge"
	"github.com/rendis/toolforge/internal/logging"
)

// app carries the settings shared by every subcommand.
type app struct {
	settings     config.Settings
	settingsPath string
	configFlag   string
	logLevel     string
	logFormat    string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "toolforge",
		Short:         "Serve declarative tools and pipelines over MCP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.load()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configFlag, "config", "c", "", "forge definition (default: settings config_path)")
	flags.StringVar(&a.settingsPath, "settings", config.SettingsPath(), "settings file")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newServeCmd(a),
		newCallCmd(a),
		newToolsCmd(a),
		newValidateCmd(a),
		newInitCmd(a),
		newVersionCmd(),
	)
	return root
}

// load layers flags over settings.json and the environment.
func (a *app) load() {
	a.settings = config.LoadSettings(a.settingsPath)
	if a.configFlag != "" {
		a.settings.ConfigPath = a.configFlag
	}
	if a.logLevel != "" {
		a.settings.LogLevel = a.logLevel
	}
	if a.logFormat != "" {
		a.settings.LogFormat = a.logFormat
	}
}

// logger writes to stderr; stdout belongs to the MCP transport and command output.
func (a *app) logger(cmd *cobra.Command) *slog.Logger {
	return logging.New(cmd.ErrOrStderr(), a.settings.LogFormat, a.settings.LogLevel)
}

// build loads the forge definition and wires it.
func (a *app) build(ctx context.Context, logger *slog.Logger, opts ...forge.Option) (*forge.Forge, error) {
	cfg, err := config.Load(a.settings.ConfigPath)
	if err != nil {
		return nil, err
	}
	base := []forge.Option{
		forge.WithLogger(logger),
		forge.WithNatives(natives()),
		forge.WithPoolSize(a.settings.PoolSize),
		forge.WithStatePath(a.settings.StatePath),
	}
	return forge.Build(ctx, cfg, append(base, opts...)...)
}
