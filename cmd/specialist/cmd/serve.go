package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mfenderov/specialist/internal/api"
	"github.com/mfenderov/specialist/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run ingestion, the HTTP API and the MCP server",
	Long: `Run both ingestion loops until interrupted, and serve questions.

The HTTP API (api.enabled) exposes:
  POST /v1/ask       Ask the Specialist
  POST /v1/retrieve  Show the assembled context
  GET  /healthz      Liveness and last tick per origin

The MCP server (mcp.transport: stdio or http) provides ask_specialist,
search_knowledge, get_record and ingestion_status.

Example:
  specialist serve --config config/config.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg := GetConfig()
	p, err := openPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	// The completion client is created on the first question, so a missing
	// model never keeps ingestion from running.
	specialist := p.Agent()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.Run(ctx)
	})

	if cfg.API.Enabled {
		srv := api.New(specialist, p.Status())
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.API.Addr)
		})
	}

	if cfg.MCP.Transport != "none" {
		mcpServer, err := mcp.NewServer(mcp.Config{
			Name:    cfg.MCP.Name,
			Version: cfg.MCP.Version,
		}, specialist, p.Ledger(), p.Status())
		if err != nil {
			return fmt.Errorf("failed to create MCP server: %w", err)
		}

		switch cfg.MCP.Transport {
		case "stdio":
			fmt.Fprintln(cmd.ErrOrStderr(), "Starting MCP server on stdio...")
			// ServeStdio returns when stdin closes; that ends the process too.
			g.Go(func() error {
				if err := mcpServer.ServeStdio(); err != nil {
					return err
				}
				return context.Canceled
			})
		case "http":
			fmt.Fprintf(cmd.ErrOrStderr(), "Starting MCP server on %s...\n", cfg.MCP.Addr)
			g.Go(func() error {
				return mcpServer.ServeHTTP(ctx, cfg.MCP.Addr)
			})
		}
	}

	slog.Info("specialist started", "origins", p.Origins(), "api", cfg.API.Enabled, "mcp", cfg.MCP.Transport)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
