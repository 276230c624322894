package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/smartem/epuwatch/internal/config"
	"github.com/smartem/epuwatch/internal/epu/dashboard"
	"github.com/smartem/epuwatch/internal/logging"
	"github.com/smartem/epuwatch/internal/ui"
)

var watchCmd = &cobra.Command{
	Use:     "watch [dir]",
	GroupID: "ingest",
	Short:   "Watch an EPU session directory and ingest it",
	Long: `Watch an EPU output directory recursively and record every entity its
manifests describe.

The watcher runs until interrupted:
  1. Replays files already present (unless --initial-scan=false)
  2. Classifies each new or modified manifest and queues it by priority
  3. Every processing interval, stores a batch, parents before children
  4. Holds children whose parent is missing as orphans until it appears
  5. Retries transient failures with exponential backoff

With --dashboard, a WebSocket dashboard streams batches and status, and
accepts instructions over HTTP:
  curl -d status http://localhost:8080/instruction
  curl -d 'config.update batch_size=100' http://localhost:8080/instruction

Examples:
  epuwatch watch /data/epu/session-42
  epuwatch watch --store memory --dashboard /data/epu/session-42
  EPUWATCH_PROCESSING_INTERVAL=250ms epuwatch watch /data/epu/session-42`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if len(args) == 1 {
			cfg.Watch.Dir = args[0]
		}
		if err := runWatch(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
	},
}

func init() {
	f := watchCmd.Flags()
	f.String("store", config.StoreSQLite, "Datastore backend: sqlite or memory")
	f.Int("batch-size", 0, "Events stored per processing tick")
	f.Duration("interval", 0, "Processing interval")
	f.Duration("orphan-timeout", 0, "Age at which an orphan is reported")
	f.Bool("initial-scan", true, "Replay files that already exist")
	f.Bool("dashboard", false, "Serve the WebSocket dashboard")
	f.IntP("port", "p", 0, "Dashboard port")

	mustBind(v.BindPFlag("store.backend", f.Lookup("store")))
	mustBind(v.BindPFlag("processing.batch_size", f.Lookup("batch-size")))
	mustBind(v.BindPFlag("processing.interval", f.Lookup("interval")))
	mustBind(v.BindPFlag("orphans.timeout", f.Lookup("orphan-timeout")))
	mustBind(v.BindPFlag("watch.initial_scan", f.Lookup("initial-scan")))
	mustBind(v.BindPFlag("dashboard.enabled", f.Lookup("dashboard")))
	mustBind(v.BindPFlag("dashboard.port", f.Lookup("port")))

	rootCmd.AddCommand(watchCmd)
}

func runWatch(c *config.Config) error {
	watchDir, err := c.ResolveWatchDir()
	if err != nil {
		return err
	}

	logs, err := logging.New(c.LoggingOptions())
	if err != nil {
		return err
	}
	defer logs.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := newPipeline(ctx, c, watchDir, logs)
	if err != nil {
		return err
	}
	defer p.Close()

	g, gctx := errgroup.WithContext(ctx)

	if c.Dashboard.Enabled {
		server := dashboard.NewServer(&dashboard.Config{
			Host:         c.Dashboard.Host,
			Port:         c.Dashboard.Port,
			Logger:       logs.Logger("dashboard"),
			Instructions: p.daemon.HandleInstruction,
		})
		p.daemon.SetObserver(dashboard.NewHandler(server, logs.Logger("dashboard")))
		if err := server.Start(); err != nil {
			return err
		}
		fmt.Printf("%s Dashboard on http://%s (WebSocket: /ws)\n", ui.RenderAccent("●"), server.GetAddr())

		g.Go(func() error {
			<-gctx.Done()
			return server.Stop()
		})
	}

	fmt.Printf("%s Watching %s\n", ui.RenderAccent("●"), watchDir)
	fmt.Printf("   Store: %s\n", p.store.Info())
	if c.File != "" {
		fmt.Printf("   Config: %s\n", c.File)
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	start := time.Now()
	g.Go(func() error {
		return p.daemon.Start(gctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	snap := p.daemon.Snapshot()
	fmt.Printf("\n%s Stopped after %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Second))
	printSnapshot(snap)
	return nil
}
