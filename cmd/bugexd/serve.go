package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/bugexd"
	"github.com/loykin/bugexd/internal/logger"
	iapi "github.com/loykin/bugexd/internal/server"
	srvtls "github.com/loykin/bugexd/internal/tls"
)

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the bugexd daemon",
		Long: `Start the HTTP control API and supervise submitted analyses until
interrupted. On shutdown running analyses are stopped; their requests keep
their current status.

Examples:
  bugexd serve --config bugexd.toml
  bugexd serve bugexd.toml --listen :8081`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.ConfigPath = globalFlags.ConfigPath
			if len(args) > 0 {
				flags.ConfigPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "override [server].listen")
	cmd.Flags().StringVar(&flags.MetricsListen, "metrics-listen", "", "override [metrics].listen")
	return cmd
}

func runServe(ctx context.Context, flags *ServeFlags) error {
	cfg, err := bugexd.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if flags.Listen != "" {
		cfg.Server.Listen = flags.Listen
	}
	if flags.MetricsListen != "" {
		cfg.Metrics.Listen = flags.MetricsListen
	}
	logger.Setup(cfg.Log.LoggerOptions())

	tlsConfig, err := srvtls.Setup(cfg.Server.TLSOptions())
	if err != nil {
		return fmt.Errorf("tls setup: %w", err)
	}
	if err := os.MkdirAll(cfg.Server.WorkingDir, 0o750); err != nil {
		return fmt.Errorf("failed to create working dir %s: %w", cfg.Server.WorkingDir, err)
	}
	svc, err := bugexd.New(*cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		if err := bugexd.RegisterMetricsDefault(); err != nil {
			_ = svc.Close(context.Background())
			return fmt.Errorf("register metrics: %w", err)
		}
		g.Go(func() error { return bugexd.ServeMetrics(gctx, cfg.Metrics.Listen) })
	}
	srv := svc.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath)
	srv.TLSConfig = tlsConfig
	g.Go(func() error { return iapi.Run(gctx, srv) })

	slog.Info("bugexd started", "listen", cfg.Server.Listen, "base", cfg.Server.BasePath, "working_dir", cfg.Server.WorkingDir, "tls", tlsConfig != nil)
	err = g.Wait()
	slog.Info("bugexd stopping")
	if cerr := svc.Close(context.Background()); cerr != nil {
		slog.Warn("shutdown incomplete", "error", cerr)
	}
	return err
}
