package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/neilberkman/ccgate/cmd/ccgate/mcp"
	"github.com/neilberkman/ccgate/internal/core/models"
	"github.com/neilberkman/ccgate/internal/core/rpc"
)

var mcpCmd = &cobra.Command{
	Use:   "serve-mcp",
	Short: "Start a read-only MCP server over stdio",
	Long: `Start an MCP (Model Context Protocol) server that lets an assistant list
sessions, list pending approvals and read session timelines.

There is no tool for deciding approvals; decisions stay with a human.

Example client configuration:
  {
    "mcpServers": {
      "ccgate": {
        "command": "ccgate",
        "args": ["serve-mcp"]
      }
    }
  }
`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	a := currentApp()

	var history mcp.HistoryFunc
	if cache, err := a.openCache(); err != nil {
		a.logger.Warn("snapshot cache unavailable, timelines will lack status changes", "error", err)
	} else {
		defer func() { _ = cache.Close() }()
		history = func(ctx context.Context, sessionID string) ([]models.StatusChange, error) {
			return cache.StatusChanges(ctx, sessionID)
		}
	}

	connect := func(ctx context.Context) (*rpc.Client, error) {
		return a.dial(ctx)
	}
	if err := mcp.StartServer(connect, history, a.logger, serverVersion()); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

func serverVersion() string {
	if rootCmd.Version == "" {
		return "dev"
	}
	return rootCmd.Version
}
