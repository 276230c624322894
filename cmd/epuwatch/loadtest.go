package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/config"
	"github.com/smartem/epuwatch/internal/epu/db"
	"github.com/smartem/epuwatch/internal/epu/loadtest"
	"github.com/smartem/epuwatch/internal/ui"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Replay a synthetic acquisition through the pipeline",
	Long: `Generate a synthetic EPU session on disk, deliver its files in shuffled
order and drain them through the queue, processor and datastore.

Reports throughput, arrival-to-storage latency percentiles, and whether every
entity was stored with no orphans left pending.

Examples:
  # Default shape: 10 grid squares, 4 foil holes each, 3 micrographs per hole
  epuwatch loadtest

  # Larger session, tighter batches, against SQLite
  epuwatch loadtest --squares 100 --holes 20 --batch 25 --store sqlite

  # Output the report as JSON
  epuwatch loadtest --json`,
	Run: func(cmd *cobra.Command, args []string) {
		if !runLoadtest(cmd) {
			os.Exit(1)
		}
	},
}

func init() {
	f := loadtestCmd.Flags()
	def := loadtest.DefaultShape()
	f.Int("squares", def.GridSquares, "Grid squares in the session")
	f.Int("holes", def.FoilHolesPerSquare, "Foil holes per grid square")
	f.Int("micrographs", def.MicrographsPerFoilHole, "Micrographs per foil hole")
	f.Int("batch", 50, "Events drained per tick")
	f.Int("arrivals", 0, "Files arriving between ticks (default: --batch)")
	f.Int64("seed", 42, "Delivery shuffle seed (0 delivers parent-first)")
	f.String("store", config.StoreMemory, "Datastore backend: memory or sqlite")
	f.String("dir", "", "Directory for the generated session (default: a temporary directory)")
	f.Bool("json", false, "Output the report as JSON")
	rootCmd.AddCommand(loadtestCmd)
}

// runLoadtest reports whether the run completed with a full graph.
func runLoadtest(cmd *cobra.Command) bool {
	squares, _ := cmd.Flags().GetInt("squares")
	holes, _ := cmd.Flags().GetInt("holes")
	micrographs, _ := cmd.Flags().GetInt("micrographs")
	batch, _ := cmd.Flags().GetInt("batch")
	arrivals, _ := cmd.Flags().GetInt("arrivals")
	seed, _ := cmd.Flags().GetInt64("seed")
	store, _ := cmd.Flags().GetString("store")
	dir, _ := cmd.Flags().GetString("dir")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if batch <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --batch must be positive\n")
		return false
	}
	if store != config.StoreMemory && store != config.StoreSQLite {
		fmt.Fprintf(os.Stderr, "Error: --store must be 'memory' or 'sqlite'\n")
		return false
	}

	if dir == "" {
		tmp, err := os.MkdirTemp("", "epuwatch-loadtest-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to create temp directory: %v\n", err)
			return false
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	session, err := loadtest.GenerateSession(filepath.Join(dir, "session"), loadtest.Shape{
		GridSquares:            squares,
		FoilHolesPerSquare:     holes,
		MicrographsPerFoilHole: micrographs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := loadtest.Options{BatchSize: batch, ArrivalsPerTick: arrivals, Seed: seed}
	if store == config.StoreSQLite {
		database, err := db.Open(filepath.Join(dir, "loadtest.db"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
			return false
		}
		defer database.Close()
		if err := database.InitSchemaContext(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to initialize schema: %v\n", err)
			return false
		}
		opts.Store = database
	}

	if !jsonOutput {
		fmt.Printf("%s Replaying %d files (%s store, batch %d, seed %d)...\n",
			ui.RenderAccent("●"), len(session.Files), store, batch, seed)
	}

	report, err := loadtest.Run(ctx, session, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return false
	}

	if jsonOutput {
		report.Latency.Durations = nil
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to encode report: %v\n", err)
			return false
		}
	} else {
		report.WriteReport(os.Stdout)
		if report.Complete {
			fmt.Printf("\n%s All entities stored\n", ui.RenderPass("✓"))
		} else {
			fmt.Printf("\n%s Graph incomplete: %d orphans pending\n", ui.RenderFail("✗"), report.PendingOrphans)
		}
	}

	return report.Complete
}
