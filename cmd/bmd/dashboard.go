package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/dashboard"
	"github.com/bmad-dash/bmd/internal/stats"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Serve the saved project state without watching",
	Long: `Serve the dashboard API from the last saved state, without taking the
state directory lock and without watching any files.

Use it to browse the state while another process owns it, or on a machine
where the project folders are not available. Refresh requests answer 503;
run 'bmd serve' for live updates.

Example usage:
  bmd dashboard                   # Start on 127.0.0.1:7420
  bmd dashboard --port 9000       # Start on custom port`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		st := mustReadStore(ctx)

		server := dashboard.NewServer(&dashboard.Config{
			Host:   cfg.Dashboard.Host,
			Port:   cfg.Dashboard.Port,
			Logger: logger("dashboard"),
		})
		dashboard.NewHandler(server, st, stats.NewProjector(stats.DefaultCacheSize), logger("dashboard"))

		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Dashboard server started on http://%s (%d projects, read-only)\n", server.GetAddr(), st.Len())
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Dashboard server stopped")
	},
}

func init() {
	dashboardCmd.Flags().String("host", "", "Host to bind (default from config: 127.0.0.1)")
	dashboardCmd.Flags().Int("port", 0, "Port to listen on (default from config: 7420)")
	rootCmd.AddCommand(dashboardCmd)
}
