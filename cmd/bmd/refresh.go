package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/db"
	"github.com/bmad-dash/bmd/internal/stats"
	"github.com/bmad-dash/bmd/internal/ui"
)

var refreshCmd = &cobra.Command{
	Use:     "refresh [project...]",
	GroupID: "sync",
	Short:   "Re-read projects from disk",
	Long: `Re-read the planning files of the given projects (or of every project
with --all) and save the result. A project that fails to parse keeps its
previous state.

While 'bmd serve' is running, use POST /api/projects/{id}/refresh instead.`,
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if !all && len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: name at least one project, or pass --all\n")
			os.Exit(1)
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			if all {
				start := time.Now()
				res, err := d.Coordinator().RefreshAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Refreshed %d projects in %v", res.Refreshed, time.Since(start).Round(time.Millisecond))
				if res.Failed > 0 {
					fmt.Printf(", %s", ui.ErrorStyle.Render(fmt.Sprintf("%d failed", res.Failed)))
				}
				if res.Skipped > 0 {
					fmt.Printf(", %d removed meanwhile", res.Skipped)
				}
				fmt.Println()
				return nil
			}

			failed := 0
			for _, ref := range args {
				p, err := d.Store().Resolve(ref)
				if err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					failed++
					continue
				}
				updated, err := d.Coordinator().Refresh(ctx, p.ID)
				if err != nil {
					fmt.Printf("%s %s: %v\n", ui.ErrorStyle.Render("✗"), p.Name, err)
					failed++
					continue
				}
				s := stats.Project(updated)
				fmt.Printf("%s %s  %s  %s\n", ui.SuccessStyle.Render("✓"), updated.Name,
					ui.Phase(updated.CurrentPhase), ui.ProgressBar(s.ProgressPercentage, 20))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d projects failed to refresh", failed, len(args))
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:     "history [project]",
	GroupID: "sync",
	Short:   "Show recent refresh outcomes",
	Long: `Show the most recent refreshes, newest first. Without a project the
history of every project is shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		st := mustReadStore(ctx)
		projectID := ""
		if len(args) > 0 {
			p, err := st.Resolve(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			projectID = p.ID
		}

		database, err := openStateDB(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		records := []db.RefreshRecord{}
		if database != nil {
			records, err = database.RefreshHistory(ctx, projectID, limit)
			database.Close()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		if asJSON {
			if records == nil {
				records = []db.RefreshRecord{}
			}
			printJSON(records)
			return
		}
		if len(records) == 0 {
			fmt.Println(ui.MutedStyle.Render("No refreshes recorded"))
			return
		}

		now := time.Now()
		for _, r := range records {
			name := r.ProjectID
			if p, ok := st.Get(r.ProjectID); ok {
				name = p.Name
			}
			mark := ui.SuccessStyle.Render("✓")
			if !r.OK {
				mark = ui.ErrorStyle.Render("✗")
			}
			fmt.Printf("%s %-20s %s\n", mark, name, ui.MutedStyle.Render(ui.RelativeTime(r.At, now)))
			if r.Error != "" {
				fmt.Printf("    %s\n", r.Error)
			}
		}
	},
}

func init() {
	refreshCmd.Flags().Bool("all", false, "Refresh every tracked project")

	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of records")
	historyCmd.Flags().Bool("json", false, "Output JSON")

	rootCmd.AddCommand(refreshCmd, historyCmd)
}
