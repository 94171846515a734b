package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bmad-dash/bmd/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage bmd configuration",
	Long: `Manage bmd configuration files.

Settings are read, lowest precedence first, from built-in defaults, the
global file ($XDG_CONFIG_HOME/bmd/config.yaml or config.toml), the project
file (./.bmd/config.yaml or config.toml), BMD_* environment variables and
command line flags.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Long: `Write a config file holding every setting at its default value.

By default the file is created in ./.bmd/; --global writes the user-wide
file instead.

Example usage:
  bmd config init
  bmd config init --global --format toml`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		global, _ := cmd.Flags().GetBool("global")
		format, _ := cmd.Flags().GetString("format")
		force, _ := cmd.Flags().GetBool("force")

		var ext string
		switch format {
		case "yaml", "yml":
			ext = ".yaml"
		case "toml":
			ext = ".toml"
		default:
			fmt.Fprintf(os.Stderr, "Error: unknown format %q (use yaml or toml)\n", format)
			os.Exit(1)
		}

		dir := config.GlobalDir()
		if !global {
			cwd, err := os.Getwd()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			dir = config.ProjectDir(cwd)
		}
		if existing, ok := config.FindFile(dir); ok && !force && filepath.Ext(existing) != ext {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to write another format anyway)\n", existing)
			os.Exit(1)
		}

		path := filepath.Join(dir, "config"+ext)
		if err := config.Write(path, config.DefaultConfig(), force); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Wrote %s\n", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		data, err := config.Encode(cfg, "."+format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config and state locations",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cwd, _ := os.Getwd()
		for _, loc := range []struct{ label, dir string }{
			{"global", config.GlobalDir()},
			{"project", config.ProjectDir(cwd)},
		} {
			if path, ok := config.FindFile(loc.dir); ok {
				fmt.Printf("%-8s %s\n", loc.label, path)
			} else {
				fmt.Printf("%-8s %s (none)\n", loc.label, loc.dir)
			}
		}
		fmt.Printf("%-8s %s\n", "state", cfg.StateDir)
	},
}

func init() {
	configInitCmd.Flags().Bool("global", false, "Write the user-wide config file")
	configInitCmd.Flags().String("format", "yaml", "File format: yaml or toml")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configShowCmd.Flags().String("format", "yaml", "Output format: yaml or toml")

	configCmd.AddCommand(configInitCmd, configShowCmd, configPathCmd)
	rootCmd.AddCommand(configCmd)
}
