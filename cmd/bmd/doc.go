package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/docs"
	"github.com/bmad-dash/bmd/internal/lockfile"
	"github.com/bmad-dash/bmd/internal/ui"
)

var docCmd = &cobra.Command{
	Use:     "doc",
	GroupID: "projects",
	Short:   "Read and edit planning documents",
	Long: `Read and edit the planning documents of a project.

A document is named by its id, by its type when the project has one document
of that type (prd, architecture, ux-design, tech-spec, project-context), or by
a path relative to the project's docs folder. Files outside the docs folder
cannot be read or written.`,
}

var docListCmd = &cobra.Command{
	Use:   "list [project]",
	Short: "List the documents of a project",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		st := mustReadStore(cmd.Context())
		p, err := projectArg(st, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(p.Documents) == 0 {
			fmt.Println(ui.MutedStyle.Render("No documents"))
			return
		}
		for _, d := range p.Documents {
			rel, err := filepath.Rel(p.DocsPath, d.FilePath)
			if err != nil {
				rel = d.FilePath
			}
			fmt.Printf("%-16s %s  %s\n", d.Type, rel, ui.MutedStyle.Render(d.Title))
		}
	},
}

var docShowCmd = &cobra.Command{
	Use:   "show <project> <document>",
	Short: "Print a document",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		st := mustReadStore(cmd.Context())
		p, err := st.Resolve(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		content, _, err := docs.Read(p, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Print(content)
	},
}

var docWriteCmd = &cobra.Command{
	Use:   "write <project> <document> [file]",
	Short: "Replace a document with the content of a file or stdin",
	Long: `Replace a document, or create a new .md or .yaml file in the docs folder,
with the content of [file], or of stdin when [file] is omitted or "-".

When bmd serve is running its watcher picks the change up; otherwise the
project is refreshed right away.

Example usage:
  bmd doc write shop prd prd-draft.md
  cat notes.md | bmd doc write shop stories/2-3-checkout.md`,
	Args: cobra.RangeArgs(2, 3),
	Run: func(cmd *cobra.Command, args []string) {
		var (
			data []byte
			err  error
		)
		if len(args) < 3 || args[2] == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(args[2])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read content: %v\n", err)
			os.Exit(1)
		}

		ctx := context.Background()
		st := mustReadStore(ctx)
		p, err := st.Resolve(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, err := docs.Write(p, args[1], string(data))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.SuccessStyle.Render("✓"), path)

		d, err := openDaemon(ctx)
		if errors.Is(err, lockfile.ErrLocked) {
			fmt.Println(ui.MutedStyle.Render("The running daemon will refresh " + p.Name))
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		_, err = d.Coordinator().Refresh(ctx, p.ID)
		if cerr := d.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to save state: %w", cerr)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			return
		}
		fmt.Printf("Refreshed %s\n", p.Name)
	},
}

func init() {
	docCmd.AddCommand(docListCmd, docShowCmd, docWriteCmd)
	rootCmd.AddCommand(docCmd)
}
