// Command epuwatch watches EPU cryo-EM acquisition output and records the
// grid, atlas, grid square, foil hole and micrograph entities it describes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/config"
)

var (
	// v holds defaults, the config file, EPUWATCH_* variables and bound flags
	v = config.NewViper()

	// cfg is loaded before any command runs
	cfg *config.Config

	configFile string
)

var rootCmd = &cobra.Command{
	Use:   "epuwatch",
	Short: "Ingest EPU acquisition output as it is written",
	Long: `epuwatch follows an EPU session directory and records each grid, atlas,
grid square, foil hole and micrograph in a datastore as its manifest appears.

Files may land in any order. Children that arrive before their parent are
held as orphans and stored as soon as the parent is recorded.

Settings come from, in increasing precedence: defaults, a config file
(epuwatch.toml or epuwatch.yaml in the working directory or
~/.config/epuwatch, or --config), EPUWATCH_* environment variables such as
EPUWATCH_PROCESSING_BATCH_SIZE, and command-line flags.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loaded, err := config.Load(v, configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "ingest", Title: "Ingestion:"},
		&cobra.Group{ID: "inspect", Title: "Inspection:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (default: search for epuwatch.toml/yaml)")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file, rotated by size")
	rootCmd.PersistentFlags().String("db", "", "SQLite database path (default: epuwatch.db)")
	mustBind(v.BindPFlag("log.file", rootCmd.PersistentFlags().Lookup("log-file")))
	mustBind(v.BindPFlag("store.path", rootCmd.PersistentFlags().Lookup("db")))
}

// mustBind panics on a flag binding error, which only a misspelled flag
// name can cause.
func mustBind(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
