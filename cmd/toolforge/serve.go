package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/toolforge/internal/forge"
	"github.com/rendis/toolforge/internal/telemetry"
	"github.com/rendis/toolforge/pkg/mcp"
)

func newServeCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsAddr != "" {
				a.settings.MetricsAddr = metricsAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, cmd)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "observability HTTP address, e.g. :9090 (disabled when empty)")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	logger := a.logger(cmd)

	var opts []forge.Option
	if a.settings.MetricsAddr != "" {
		opts = append(opts, forge.WithRuntimeMetrics())
	}
	f, err := a.build(ctx, logger, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("shutdown", slog.String("error", err.Error()))
		}
	}()

	if err := f.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if addr := a.settings.MetricsAddr; addr != "" {
		go func() {
			if err := telemetry.Serve(ctx, addr, f.Router(), logger); err != nil {
				logger.Error("observability server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Name:       f.Config.Forge.Name,
		Version:    f.Config.Forge.Version,
		Dispatcher: f.Dispatcher,
		Catalog:    f.Registry,
		Logger:     logger,
	})
	logger.Info("toolforge serving",
		slog.String("name", f.Config.Forge.Name),
		slog.Int("tools", f.Registry.Count()),
		slog.Int("schedules", len(f.Scheduler.Jobs())))
	return srv.Serve(ctx)
}
