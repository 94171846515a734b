package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/daemon"
	"github.com/bmad-dash/bmd/internal/parser"
	"github.com/bmad-dash/bmd/internal/schema"
	"github.com/bmad-dash/bmd/internal/stats"
	"github.com/bmad-dash/bmd/internal/store"
	"github.com/bmad-dash/bmd/internal/ui"
)

var addCmd = &cobra.Command{
	Use:     "add <path>",
	GroupID: "projects",
	Short:   "Start tracking a BMAD project",
	Long: `Start tracking the BMAD project at <path> and read its planning files.

The docs folder is found automatically (bmad-docs/, .bmad/, or a bmad
folder one level down). When several candidates exist you are asked to
pick one; pass --docs to choose without a prompt.

Example usage:
  bmd add ~/src/shop
  bmd add . --docs ./planning/bmad-docs --name "Shop" --activate`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		docs, _ := cmd.Flags().GetString("docs")
		name, _ := cmd.Flags().GetString("name")
		activate, _ := cmd.Flags().GetBool("activate")

		path, err := filepath.Abs(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if info, err := os.Stat(path); err != nil || !info.IsDir() {
			fmt.Fprintf(os.Stderr, "Error: %s is not a directory\n", path)
			os.Exit(1)
		}

		docsPath, err := chooseDocsDir(path, docs)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			p := newProject(path, docsPath, name, time.Now())
			if err := d.Store().Add(p); err != nil {
				if errors.Is(err, store.ErrDuplicatePath) {
					return fmt.Errorf("%s is already tracked", path)
				}
				return err
			}
			if activate {
				if err := d.Store().SetActive(p.ID); err != nil {
					return err
				}
			}

			refreshed, err := d.Coordinator().Refresh(ctx, p.ID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Warning: added %s but could not read it yet: %v\n", path, err)
				fmt.Printf("%s Added %s (%s)\n", ui.WarningStyle.Render("!"), p.Name, p.ID)
				return nil
			}
			s := stats.Project(refreshed)
			fmt.Printf("%s Added %s (%s)\n", ui.SuccessStyle.Render("✓"), refreshed.Name, refreshed.ID)
			fmt.Printf("  %s  %s\n", ui.Phase(refreshed.CurrentPhase), ui.ProgressBar(s.ProgressPercentage, 20))
			return nil
		})
	},
}

// chooseDocsDir returns the docs folder to record for a new project. An
// empty result lets the parser pick a well-known folder on every refresh.
func chooseDocsDir(projectPath, explicit string) (string, error) {
	if explicit != "" {
		abs, err := filepath.Abs(explicit)
		if err != nil {
			return "", err
		}
		if info, err := os.Stat(abs); err != nil || !info.IsDir() {
			return "", fmt.Errorf("docs folder %s does not exist", abs)
		}
		return abs, nil
	}

	candidates := parser.FindDocsCandidates(projectPath)
	if len(candidates) == 0 {
		if parser.IsProject(projectPath) {
			return "", nil
		}
		return "", fmt.Errorf("%s does not look like a BMAD project (no bmad-docs/, .bmad/ or docs/ with sprint status)", projectPath)
	}
	docs, err := ui.SelectDocsDir(projectPath, candidates)
	if errors.Is(err, ui.ErrNotInteractive) {
		return "", fmt.Errorf("several docs folders found, pick one with --docs:\n  %s", strings.Join(candidates, "\n  "))
	}
	return docs, err
}

func newProject(path, docsPath, name string, now time.Time) *schema.Project {
	if name == "" {
		name = filepath.Base(path)
	}
	return &schema.Project{
		ID:           uuid.NewString(),
		Path:         path,
		CreatedAt:    now,
		Name:         name,
		DocsPath:     docsPath,
		CurrentPhase: schema.PhaseAnalysis,
		Epics:        []schema.Epic{},
		Documents:    []schema.Document{},
	}
}

var removeCmd = &cobra.Command{
	Use:     "remove <project>",
	Aliases: []string{"rm"},
	GroupID: "projects",
	Short:   "Stop tracking a project",
	Long: `Stop tracking a project. Its files are not touched.

<project> is a project id, path or name.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			p, err := d.Store().Resolve(args[0])
			if err != nil {
				return err
			}
			if !yes {
				if !ui.IsInteractive() {
					return fmt.Errorf("refusing to remove %s without --yes", p.Name)
				}
				ok, err := ui.Confirm(fmt.Sprintf("Stop tracking %s (%s)?", p.Name, p.Path), false)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Println("Cancelled")
					return nil
				}
			}
			d.Store().Remove(p.ID)
			fmt.Printf("%s Removed %s\n", ui.SuccessStyle.Render("✓"), p.Name)
			return nil
		})
	},
}

var activateCmd = &cobra.Command{
	Use:     "activate [project]",
	GroupID: "projects",
	Short:   "Set the active project",
	Long: `Set the project that commands use when none is given.

Example usage:
  bmd activate shop
  bmd activate --clear`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		clearActive, _ := cmd.Flags().GetBool("clear")
		if !clearActive && len(args) == 0 {
			fmt.Fprintf(os.Stderr, "Error: a project is required (or --clear)\n")
			os.Exit(1)
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			if clearActive {
				fmt.Println("Active project cleared")
				return d.Store().SetActive("")
			}
			p, err := d.Store().Resolve(args[0])
			if err != nil {
				return err
			}
			if err := d.Store().SetActive(p.ID); err != nil {
				return err
			}
			fmt.Printf("Active project: %s\n", ui.ActiveStyle.Render(p.Name))
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	GroupID: "projects",
	Short:   "List tracked projects",
	Long: `List tracked projects with their phase, progress and last activity.

--active-since takes a duration ("48h") or a date phrase ("last monday",
"3 days ago", "yesterday").`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")
		since, _ := cmd.Flags().GetString("active-since")

		now := time.Now()
		var cutoff time.Time
		if since != "" {
			var err error
			cutoff, err = parseSince(since, now)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		}

		st := mustReadStore(cmd.Context())
		active, _ := st.Active()

		var rows []ui.ProjectRow
		for _, p := range st.List() {
			if !cutoff.IsZero() && p.LastActivity.Before(cutoff) {
				continue
			}
			rows = append(rows, ui.ProjectRow{
				Project: p,
				Stats:   stats.Project(p),
				Active:  active != nil && active.ID == p.ID,
			})
		}

		if asJSON {
			out := make([]projectJSON, 0, len(rows))
			for _, r := range rows {
				out = append(out, newProjectJSON(r))
			}
			printJSON(out)
			return
		}
		fmt.Print(ui.RenderProjects(rows, now))
	},
}

type projectJSON struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	Path         string      `json:"path"`
	DocsPath     string      `json:"docsPath,omitempty"`
	Phase        string      `json:"phase"`
	Active       bool        `json:"active"`
	LastActivity time.Time   `json:"lastActivity"`
	Stats        stats.Stats `json:"stats"`
}

func newProjectJSON(r ui.ProjectRow) projectJSON {
	return projectJSON{
		ID:           r.Project.ID,
		Name:         r.Project.Name,
		Path:         r.Project.Path,
		DocsPath:     r.Project.DocsPath,
		Phase:        r.Project.CurrentPhase.String(),
		Active:       r.Active,
		LastActivity: r.Project.LastActivity,
		Stats:        r.Stats,
	}
}

// parseSince turns a duration or a natural language date into a cutoff.
func parseSince(s string, now time.Time) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse --active-since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand --active-since %q", s)
	}
	return r.Time, nil
}

var scanCmd = &cobra.Command{
	Use:     "scan <root>",
	GroupID: "projects",
	Short:   "Find BMAD projects under a folder",
	Long: `Walk <root> (up to --depth levels) and list folders that look like BMAD
projects. With --add, every project not tracked yet is added.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		add, _ := cmd.Flags().GetBool("add")

		root, err := filepath.Abs(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		p := parser.NewWithConfig(&parser.Config{Logger: logger("parser")})
		found, err := p.ScanCandidates(cmd.Context(), root, cfg.Scan.MaxDepth)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(found) == 0 {
			fmt.Printf("No BMAD projects found under %s\n", root)
			return
		}

		if !add {
			st := mustReadStore(cmd.Context())
			for _, path := range found {
				marker := "  "
				if _, ok := st.FindByPath(path); ok {
					marker = ui.MutedStyle.Render("✓ ")
				}
				fmt.Printf("%s%s\n", marker, path)
			}
			fmt.Printf("\nFound %d projects. Run with --add to track them.\n", len(found))
			return
		}

		withDaemon(func(ctx context.Context, d *daemon.Daemon) error {
			added := 0
			for _, path := range found {
				if _, ok := d.Store().FindByPath(path); ok {
					continue
				}
				docsPath := ""
				if candidates := parser.FindDocsCandidates(path); len(candidates) == 1 {
					docsPath = candidates[0]
				}
				np := newProject(path, docsPath, "", time.Now())
				if err := d.Store().Add(np); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
					continue
				}
				if _, err := d.Coordinator().Refresh(ctx, np.ID); err != nil {
					fmt.Fprintf(os.Stderr, "Warning: %s: %v\n", path, err)
				}
				fmt.Printf("%s %s\n", ui.SuccessStyle.Render("+"), path)
				added++
			}
			fmt.Printf("\nAdded %d of %d projects\n", added, len(found))
			return nil
		})
	},
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to encode JSON: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	addCmd.Flags().String("docs", "", "Docs folder to use instead of detecting one")
	addCmd.Flags().String("name", "", "Display name (default: folder name)")
	addCmd.Flags().Bool("activate", false, "Make it the active project")

	removeCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	activateCmd.Flags().Bool("clear", false, "Clear the active project")

	listCmd.Flags().Bool("json", false, "Output JSON")
	listCmd.Flags().String("active-since", "", "Only projects with activity after this time")

	scanCmd.Flags().Int("depth", 0, "Maximum folder depth (default from config: 3)")
	scanCmd.Flags().Bool("add", false, "Track every project found")

	rootCmd.AddCommand(addCmd, removeCmd, activateCmd, listCmd, scanCmd)
}
