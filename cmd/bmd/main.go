// Command bmd tracks BMAD projects and keeps their planning state in sync
// with the files on disk.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/config"
	"github.com/bmad-dash/bmd/internal/logging"
	"github.com/bmad-dash/bmd/internal/ui"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	cfg  *config.Config
	logs *logging.Output
)

var rootCmd = &cobra.Command{
	Use:   "bmd",
	Short: "BMAD project dashboard daemon",
	Long: `bmd tracks BMAD projects, parses their planning files (sprint status,
epics, stories, PRD and architecture documents) and keeps a live view of
their phase and progress.

Run 'bmd serve' to watch every tracked project and serve the dashboard;
the other commands read or edit the persisted project list.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(config.Options{Flags: cmd.Flags()})
		if err != nil {
			return err
		}
		cfg = loaded

		quiet, _ := cmd.Flags().GetBool("quiet")
		logs = logging.New(cfg.Log, logging.Options{Quiet: quiet})
		ui.Init(os.Stdout)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "projects", Title: "Project Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)

	rootCmd.PersistentFlags().String("state-dir", "", "State directory (default: $XDG_STATE_HOME/bmd)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file (rotated)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Do not log to stderr")
}

// logger returns the logger for a component.
func logger(component string) *log.Logger {
	if logs == nil {
		return logging.Discard()
	}
	return logs.Logger(component)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
