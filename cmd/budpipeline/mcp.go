package main

import (
	"os"

	"github.com/spf13/cobra"
)

type mcpOptions struct {
	sse     string
	baseURL string
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	mo := &mcpOptions{}
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the pipeline tools over MCP (stdio by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configFile)
			if err != nil {
				return err
			}
			// stdout carries the protocol; logs go to stderr.
			logger := newLogger(os.Stderr, cfg)
			ctx := cmd.Context()

			a, err := buildApp(ctx, cfg, logger, version, true)
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.recoverState(ctx); err != nil {
				return err
			}
			go func() { _ = a.engine.Run(ctx) }()

			if mo.sse != "" {
				return a.mcp.ServeSSE(ctx, mo.sse, mo.baseURL)
			}
			return a.mcp.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&mo.sse, "sse", "", "listen address for the SSE transport instead of stdio")
	cmd.Flags().StringVar(&mo.baseURL, "base-url", "", "public base URL advertised by the SSE transport")
	return cmd
}
