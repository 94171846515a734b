package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/stats"
	"github.com/bmad-dash/bmd/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:     "stats [project]",
	GroupID: "projects",
	Short:   "Show progress statistics for a project",
	Long: `Show epic, story and task counts for a project, along with the story
count per status. Without an argument the active project is used.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		st := mustReadStore(cmd.Context())
		p, err := projectArg(st, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		s := stats.Project(p)
		if asJSON {
			printJSON(struct {
				ID    string      `json:"id"`
				Name  string      `json:"name"`
				Phase string      `json:"phase"`
				Stats stats.Stats `json:"stats"`
			}{p.ID, p.Name, p.CurrentPhase.String(), s})
			return
		}
		fmt.Print(ui.RenderStats(p, s))
	},
}

func init() {
	statsCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(statsCmd)
}
