package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/migrate"
	"github.com/bmad-dash/bmd/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export <file>",
	GroupID: "advanced",
	Short:   "Write tracked projects to a JSONL file",
	Long: `Write every tracked project, one JSON object per line, to <file>.
Use "-" to write to stdout.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := mustReadStore(cmd.Context())
		projects := st.List()

		var err error
		if args[0] == "-" {
			err = migrate.WriteJSONL(os.Stdout, projects)
		} else {
			err = migrate.ToJSONL(args[0], projects)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if args[0] != "-" {
			fmt.Printf("Exported %d projects to %s\n", len(projects), args[0])
		}
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "advanced",
	Short:   "Add projects from an export or a browser state dump",
	Long: `Add projects from a file to the tracked state.

Two formats are read:
  jsonl          One project per line, as written by 'bmd export'
  localstorage   The persisted store of the BMAD dashboard web app, either
                 {"state": {"projects": [...]}, "version": N} or the inner object

The format is picked from the extension (.jsonl, .ndjson) unless --format is
given. Projects whose id or path is already tracked are skipped. With
--refresh, the imported projects are re-read from disk right away.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		backup, _ := cmd.Flags().GetBool("backup")
		refresh, _ := cmd.Flags().GetBool("refresh")

		res, err := migrate.Import(migrate.Options{
			From:   args[0],
			Format: migrate.Format(format),
			Backup: backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if res.BackupCreated != "" {
			fmt.Printf("Backup written to %s\n", res.BackupCreated)
		}
		for _, msg := range res.Errors {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", msg)
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			added, errs := migrate.Merge(d.Store(), res.Snapshot)
			for _, err := range errs {
				fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			}
			fmt.Printf("%s Imported %d of %d projects\n", ui.SuccessStyle.Render("✓"), added, res.ProjectsRead)

			if refresh && added > 0 {
				lr, err := d.Coordinator().RefreshAll(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Refreshed %d projects (%d failed)\n", lr.Refreshed, lr.Failed)
			}
			return nil
		})
	},
}

func init() {
	importCmd.Flags().String("format", "", "Input format: jsonl or localstorage (default: from extension)")
	importCmd.Flags().Bool("backup", false, "Copy the input file aside first")
	importCmd.Flags().Bool("refresh", false, "Re-read projects from disk after importing")

	rootCmd.AddCommand(exportCmd, importCmd)
}
