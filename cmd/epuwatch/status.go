package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/epu/daemon"
	"github.com/smartem/epuwatch/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "inspect",
	Short:   "Show the status of a running watcher",
	Long: `Fetch the latest status snapshot from a watcher started with --dashboard.

Examples:
  epuwatch status
  epuwatch status --addr epu-host:9000
  epuwatch status --json`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		body, err := fetchStatus(ctx, addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
		if body == nil {
			fmt.Printf("%s Watcher has not reported status yet\n", ui.RenderWarn("⚠"))
			return
		}
		if jsonOutput {
			fmt.Println(string(body))
			return
		}

		var snap daemon.Snapshot
		if err := json.Unmarshal(body, &snap); err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to decode status: %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
		printSnapshot(snap)
	},
}

var instructCmd = &cobra.Command{
	Use:     "instruct <instruction> [key=value...]",
	GroupID: "inspect",
	Short:   "Send an administrative instruction to a running watcher",
	Long: `Send an instruction to a watcher started with --dashboard and print its reply.

Instructions:
  status                  multi-line status report
  datastore.info          entity counts in the datastore
  config.update k=v ...   change processing_interval, orphan_check_interval,
                          orphan_timeout or batch_size while running

Examples:
  epuwatch instruct datastore.info
  epuwatch instruct config.update processing_interval=500ms batch_size=100`,
	Args: cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		reply, err := sendInstruction(ctx, addr, strings.Join(args, " "))
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
		fmt.Print(reply)
	},
}

func init() {
	statusCmd.Flags().String("addr", "localhost:8080", "Dashboard address of the running watcher")
	statusCmd.Flags().Bool("json", false, "Print the raw JSON snapshot")
	instructCmd.Flags().String("addr", "localhost:8080", "Dashboard address of the running watcher")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(instructCmd)
}

// fetchStatus returns the /status body, or nil before the first report.
func fetchStatus(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach watcher at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read status: %w", err)
		}
		return body, nil
	default:
		return nil, fmt.Errorf("watcher at %s answered %s", addr, resp.Status)
	}
}

func sendInstruction(ctx context.Context, addr, instruction string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/instruction", strings.NewReader(instruction))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach watcher at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read reply: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("watcher at %s answered %s: %s", addr, resp.Status, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

func printSnapshot(s daemon.Snapshot) {
	writeSnapshot(os.Stdout, s)
}

func writeSnapshot(w io.Writer, s daemon.Snapshot) {
	state := ui.RenderWarn("stopped")
	if s.Running {
		state = ui.RenderPass("running")
	}
	fmt.Fprintf(w, "\n%s Watcher %s\n\n", ui.RenderAccent("●"), state)

	ui.KeyValues(w, [][2]string{
		{"Directory", s.WatchDir},
		{"Reported", s.Time.Format("2006-01-02 15:04:05")},
		{"Intervals", fmt.Sprintf("processing %s, orphan check %s, batch %d", s.ProcessingInterval, s.OrphanCheckInterval, s.BatchSize)},
		{"Queue", fmt.Sprintf("%d pending, %d evicted, %d retained, %d dropped", s.Queue.Size, s.Queue.Evicted, s.Queue.Retained, s.Queue.Dropped)},
		{"Processed", fmt.Sprintf("%d (%d ok, %d orphaned, %d failed)", s.Processing.TotalProcessed, s.Processing.Successful, s.Processing.Orphaned, s.Processing.Failed)},
		{"Orphans", fmt.Sprintf("%d pending, %d resolved, %d timed out, %d dead letters", s.Orphans.TotalPending, s.Orphans.Resolved, s.Orphans.TimedOut, s.Orphans.DeadLetters)},
		{"Retries", fmt.Sprintf("%d scheduled, %d paths failing", s.PendingRetries, s.Errors.ActiveErrors)},
	})

	fmt.Fprintln(w)
	if s.DatastoreError != "" {
		fmt.Fprintf(w, "%s datastore: %s\n", ui.RenderFail("✗"), s.DatastoreError)
	} else {
		ui.KeyValues(w, [][2]string{
			{"Grids", fmt.Sprint(s.Datastore.Grids)},
			{"Atlases", fmt.Sprint(s.Datastore.Atlases)},
			{"Grid squares", fmt.Sprint(s.Datastore.GridSquares)},
			{"Foil holes", fmt.Sprint(s.Datastore.FoilHoles)},
			{"Micrographs", fmt.Sprint(s.Datastore.Micrographs)},
		})
	}

	ui.Counts(w, "Pending orphans by type", s.Orphans.ByEntityType)
	permanent := make(map[string]int, len(s.Errors.PermanentByCategory))
	for cat, n := range s.Errors.PermanentByCategory {
		permanent[string(cat)] = n
	}
	ui.Counts(w, "Permanent failures", permanent)
	fmt.Fprintln(w)
}
