package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/config"
	"github.com/smartem/epuwatch/internal/ui"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "maint",
	Short:   "Create or show the configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Long: `Write a TOML config file holding every setting at its default value.

The file is written to epuwatch.toml in the working directory unless a path
is given. An existing file is left alone unless --force is set.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := "epuwatch.toml"
		if len(args) == 1 {
			path = args[0]
		}

		if err := config.Default().WriteFile(path, force); err != nil {
			if errors.Is(err, fs.ErrExist) {
				fmt.Fprintf(os.Stderr, "%s %s already exists (use --force to replace it)\n", ui.RenderFail("Error:"), path)
			} else {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			}
			os.Exit(1)
		}
		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after merging defaults, the config file,
EPUWATCH_* environment variables and flags.`,
	Run: func(cmd *cobra.Command, args []string) {
		if cfg.File != "" {
			fmt.Println(ui.RenderMuted("# from " + cfg.File))
		}
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
	},
}

func init() {
	configInitCmd.Flags().BoolP("force", "f", false, "Replace an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
