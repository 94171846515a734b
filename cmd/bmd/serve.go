package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/dashboard"
	"github.com/bmad-dash/bmd/internal/lockfile"
	"github.com/bmad-dash/bmd/internal/stats"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"daemon"},
	GroupID: "sync",
	Short:   "Watch every tracked project and serve the live dashboard",
	Long: `Start the sync daemon.

The daemon loads the tracked projects, re-reads each of them once, then
watches their planning folders and refreshes a project whenever one of its
markdown or YAML files changes. The state is saved to the state directory
shortly after every change and again on shutdown.

The dashboard serves:
  GET  /api/projects               Projects with their statistics
  GET  /api/projects/{id}          One project with its epics and stories
  POST /api/projects/{id}/refresh  Re-read a project now
  /ws                              Live updates (project_update, project_removed,
                                   refresh_started, refresh_failed, stats)

Only one daemon can run per state directory.

Example usage:
  bmd serve                 # Dashboard on 127.0.0.1:7420
  bmd serve --port 9000
  bmd serve --no-dashboard  # Sync only`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		notices := &dashboardNotices{}
		d, err := daemon.NewWithConfig(daemonConfig(), notices)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		var server *dashboard.Server
		if !noDashboard {
			server = dashboard.NewServer(&dashboard.Config{
				Host:   cfg.Dashboard.Host,
				Port:   cfg.Dashboard.Port,
				Logger: logger("dashboard"),
			})
			handler := dashboard.NewHandler(server, d.Store(), stats.NewProjector(stats.DefaultCacheSize), logger("dashboard"))
			handler.SetRefresher(d.Coordinator())
			notices.handler = handler
			handler.Subscribe()
			defer handler.Close()

			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
		}

		go func() {
			<-d.Ready()
			if server != nil {
				fmt.Printf("Dashboard: http://%s\n", server.GetAddr())
				fmt.Printf("WebSocket: ws://%s/ws\n", server.GetAddr())
			}
			fmt.Printf("Watching %d projects. Press Ctrl+C to stop...\n", d.Watches().Len())
		}()

		err = d.Start(ctx)

		if server != nil {
			if serr := server.Stop(); serr != nil {
				fmt.Fprintf(os.Stderr, "Error during dashboard shutdown: %v\n", serr)
			}
		}
		if err != nil {
			if errors.Is(err, lockfile.ErrLocked) {
				fmt.Fprintf(os.Stderr, "Error: %v\nIs another 'bmd serve' already running?\n", err)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			os.Exit(1)
		}
		fmt.Println("Daemon stopped")
	},
}

// dashboardNotices forwards refresh notices to the dashboard handler, which
// can only be built once the daemon's store exists. handler is set before
// the daemon starts.
type dashboardNotices struct {
	handler *dashboard.Handler
}

func (n *dashboardNotices) RefreshStarted(projectID string) {
	if n.handler != nil {
		n.handler.RefreshStarted(projectID)
	}
}

func (n *dashboardNotices) RefreshFailed(projectID string, err error) {
	if n.handler != nil {
		n.handler.RefreshFailed(projectID, err)
	}
}

func init() {
	serveCmd.Flags().String("host", "", "Dashboard host (default from config: 127.0.0.1)")
	serveCmd.Flags().Int("port", 0, "Dashboard port (default from config: 7420)")
	serveCmd.Flags().Duration("debounce", 0, "File event throttle window per project (default from config: 500ms)")
	serveCmd.Flags().Bool("no-dashboard", false, "Run without the HTTP/WebSocket dashboard")
	rootCmd.AddCommand(serveCmd)
}
