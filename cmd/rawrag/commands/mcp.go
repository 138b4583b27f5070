package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"rawrag/internal/bootstrap"
	"rawrag/internal/mcp"
)

func NewMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Start the MCP server on stdio",
		Long: `Start an MCP (Model Context Protocol) server on stdio.

LLM agents get two tools: read_files searches the files of a chat and
ask runs a full assistant turn against them. Only the vector store and
the model endpoints are needed.`,
		Example: `  rawrag mcp

  # claude_desktop_config.json:
  # {"mcpServers": {"rawrag": {"command": "rawrag", "args": ["mcp"]}}}`,
		RunE: runMCP,
	}
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := bootstrap.NewCore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("close resources failed", "error", err)
		}
	}()

	server := mcp.NewServer(cfg.App.Name, versionInfo.Version, core.Retriever, core.Orchestrator, core.Pool, logger.With("component", "mcp"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- mcpserver.ServeStdio(server)
	}()
	logger.Info("mcp server started on stdio")

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("mcp server failed: %w", err)
		}
	}
	return nil
}
