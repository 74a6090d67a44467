// Command budpipeline runs the pipeline orchestration service.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/budpipeline/internal/logging"
)

type rootOptions struct {
	configFile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "budpipeline",
		Short:         "DAG pipeline orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default ./budpipeline.yaml)")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newValidateCmd(opts),
		newMCPCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newLogger(w io.Writer, cfg *Config) *slog.Logger {
	return logging.New(w, cfg.Log.Format, cfg.Log.Level)
}
