package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/query"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/store"
	"github.com/bmad-dash/bmd/internal/ui"
)

var storiesCmd = &cobra.Command{
	Use:     "stories [project]",
	GroupID: "projects",
	Short:   "List the stories of a project",
	Long: `List the stories of a project grouped by epic.

--where filters with an expression over these fields:
  status      backlog, ready-for-dev, in-progress, review or done
  epic        epic number
  epic_title  epic title
  number      story number ("1.2")
  title       story title
  tasks       number of tasks
  done_tasks  number of completed tasks
  has_file    whether the story has its own file

Example usage:
  bmd stories --where 'status == "in-progress"'
  bmd stories shop --where 'epic == 2 && done_tasks < tasks'`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		where, _ := cmd.Flags().GetString("where")
		asJSON, _ := cmd.Flags().GetBool("json")

		filter, err := query.Compile(where)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		st := mustReadStore(cmd.Context())
		p, err := projectArg(st, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if asJSON {
			matched, err := filter.Stories(p)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if matched == nil {
				matched = []schema.Story{}
			}
			printJSON(matched)
			return
		}

		shown := 0
		lastEpic := ""
		err = filter.Each(p, func(e schema.Epic, s schema.Story) {
			if e.ID != lastEpic {
				if lastEpic != "" {
					fmt.Println()
				}
				fmt.Printf("%s %s\n", ui.TitleStyle.Render(fmt.Sprintf("Epic %d:", e.Number)), e.Title)
				lastEpic = e.ID
			}
			fmt.Println(storyLine(e, s))
			shown++
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if shown == 0 {
			fmt.Println(ui.MutedStyle.Render("No matching stories"))
		}
	},
}

func storyLine(e schema.Epic, s schema.Story) string {
	env := query.NewEnv(e, s)
	line := fmt.Sprintf("  %-6s %-24s %s", s.Number, ui.Status(s.Status), s.Title)
	if env.Tasks > 0 {
		line += ui.MutedStyle.Render(fmt.Sprintf("  [%d/%d]", env.DoneTasks, env.Tasks))
	}
	return line
}

var setStatusCmd = &cobra.Command{
	Use:     "set-status <project> <story|epic-N> <status>",
	GroupID: "projects",
	Short:   "Change the status of a story or epic",
	Long: `Change the status of a story, or of an epic given as epic-N, in the
tracked state.

The next refresh of the project replaces the status with the one in its
files; edit sprint-status.yaml to make the change permanent.

Story statuses: backlog, ready-for-dev, in-progress, review, done.
Epic statuses:  backlog, in-progress, done.

Example usage:
  bmd set-status shop 2.1 review
  bmd set-status shop epic-2 done`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			p, err := d.Store().Resolve(args[0])
			if err != nil {
				return err
			}
			msg, err := setStatus(d.Store(), p, args[1], args[2])
			if err != nil {
				return err
			}
			fmt.Println(msg)
			return nil
		})
	},
}

// setStatus changes the status of the story or epic named by target and
// returns the line to print.
func setStatus(st *store.Store, p *schema.Project, target, value string) (string, error) {
	if n, ok := epicRef(target); ok {
		status := schema.EpicStatus(value)
		if !status.IsValid() {
			return "", fmt.Errorf("invalid epic status %q", value)
		}
		e, ok := findEpic(p, n)
		if !ok {
			return "", fmt.Errorf("epic %d not found in %s", n, p.Name)
		}
		if !st.SetEpicStatus(p.ID, e.ID, status) {
			return fmt.Sprintf("Epic %d is already %s", e.Number, status), nil
		}
		return fmt.Sprintf("%s Epic %d %s → %s", ui.SuccessStyle.Render("✓"), e.Number, e.Status, status), nil
	}

	status := schema.StoryStatus(value)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid status %q", value)
	}
	e, s, ok := findStory(p, target)
	if !ok {
		return "", fmt.Errorf("story %s not found in %s", target, p.Name)
	}
	if !st.SetStoryStatus(p.ID, e.ID, s.ID, status) {
		return fmt.Sprintf("Story %s is already %s", s.Number, status), nil
	}
	return fmt.Sprintf("%s %s %s → %s", ui.SuccessStyle.Render("✓"), s.Number, ui.Status(s.Status), ui.Status(status)), nil
}

// epicRef parses "epic-N".
func epicRef(s string) (int, bool) {
	rest, ok := strings.CutPrefix(s, "epic-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

var moveCmd = &cobra.Command{
	Use:     "move <project> <story> <epic>",
	GroupID: "projects",
	Short:   "Move a story to another epic",
	Long: `Move a story to the epic with the given number in the tracked state.

Like set-status, the next refresh of the project restores what its files say.`,
	Args: cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		epicNumber, err := strconv.Atoi(strings.TrimPrefix(args[2], "epic-"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid epic number %q\n", args[2])
			os.Exit(1)
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			p, err := d.Store().Resolve(args[0])
			if err != nil {
				return err
			}
			from, s, ok := findStory(p, args[1])
			if !ok {
				return fmt.Errorf("story %s not found in %s", args[1], p.Name)
			}
			to, ok := findEpic(p, epicNumber)
			if !ok {
				return fmt.Errorf("epic %d not found in %s", epicNumber, p.Name)
			}
			if !d.Store().MoveStory(p.ID, s.ID, from.ID, to.ID) {
				fmt.Printf("Story %s is already in epic %d\n", s.Number, to.Number)
				return nil
			}
			fmt.Printf("%s Moved %s from epic %d to epic %d\n", ui.SuccessStyle.Render("✓"), s.Number, from.Number, to.Number)
			return nil
		})
	},
}

func init() {
	storiesCmd.Flags().StringP("where", "w", "", "Filter expression")
	storiesCmd.Flags().Bool("json", false, "Output JSON")
	rootCmd.AddCommand(storiesCmd, setStatusCmd, moveCmd)
}
