package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, trigger scheduler and timeout sweeper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

// runServe blocks until ctx is cancelled or a component fails, then shuts
// everything down.
func runServe(ctx context.Context, cfg *Config) error {
	logger := newLogger(os.Stderr, cfg)
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger, version, cfg.MCP.Addr != "")
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.recoverState(ctx); err != nil {
		return err
	}

	srv := a.apiServer()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if a.scheduler != nil {
		g.Go(func() error {
			return a.scheduler.Run(gctx)
		})
	}
	if cfg.MCP.Addr != "" {
		g.Go(func() error {
			logger.Info("mcp sse listening", slog.String("addr", cfg.MCP.Addr))
			return a.mcp.ServeSSE(gctx, cfg.MCP.Addr, cfg.MCP.BaseURL)
		})
	}

	err = g.Wait()
	logger.Info("budpipeline stopped")
	return err
}
