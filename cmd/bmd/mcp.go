package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/lockfile"
	"github.com/bmad-dash/bmd/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:     "mcp",
	GroupID: "advanced",
	Short:   "Serve tracked projects to AI agents over MCP (stdio)",
	Long: `Run a Model Context Protocol server on stdin/stdout.

Tools:
  bmd_list_projects    Tracked projects with phase and progress
  bmd_project_stats    Statistics of one project
  bmd_list_stories     Stories of a project, with an optional filter expression
  bmd_refresh_project  Re-read a project from disk

When no daemon is running, the MCP server runs one in the background so
the projects stay in sync. Otherwise it serves the saved state read-only
and bmd_refresh_project is not offered.

Example client configuration:
  {"mcpServers": {"bmd": {"command": "bmd", "args": ["mcp", "--quiet"]}}}`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		d, err := openDaemon(ctx)
		if err != nil && !errors.Is(err, lockfile.ErrLocked) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var srv *mcp.Server
		done := make(chan error, 1)
		if d != nil {
			go func() { done <- d.Start(ctx) }()
			srv = mcp.NewServer(d.Store(), d.Coordinator(), Version)
		} else {
			logger("mcp").Println("Daemon already running, serving saved state read-only")
			srv = mcp.NewServer(mustReadStore(ctx), nil, Version)
			close(done)
		}

		serveErr := srv.Serve()
		cancel()
		if err := <-done; err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		if serveErr != nil {
			fmt.Fprintf(os.Stderr, "Error: MCP server failed: %v\n", serveErr)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
