package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/epu/db"
	"github.com/smartem/epuwatch/internal/ui"
)

var dbCmd = &cobra.Command{
	Use:     "db",
	GroupID: "inspect",
	Short:   "Inspect the SQLite datastore",
}

var dbSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show entity counts in the datastore",
	Long: `Show how many entities the datastore holds.

With --since, also count micrographs acquired after a point in time. The
value may be a duration ("90m"), an RFC 3339 timestamp, or a phrase such
as "2 hours ago" or "yesterday".

Examples:
  epuwatch db summary
  epuwatch db summary --db /data/epu/session-42.db --since "2 hours ago"`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetString("since")

		var cutoff time.Time
		if since != "" {
			t, err := parseSince(since, time.Now())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
				os.Exit(1)
			}
			cutoff = t
		}

		path := cfg.Store.Path
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Printf("\n%s No datastore at %s\n", ui.RenderWarn("⚠"), path)
			fmt.Printf("   Run 'epuwatch watch <dir>' to create it\n\n")
			return
		}

		database, err := db.Open(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to open database: %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
		defer database.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		counts, err := database.Counts(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Datastore %s\n\n", ui.RenderAccent("●"), database.Path())
		pairs := [][2]string{
			{"Grids", fmt.Sprint(counts.Grids)},
			{"Atlases", fmt.Sprint(counts.Atlases)},
			{"Grid squares", fmt.Sprint(counts.GridSquares)},
			{"Foil holes", fmt.Sprint(counts.FoilHoles)},
			{"Micrographs", fmt.Sprint(counts.Micrographs)},
		}

		if !cutoff.IsZero() {
			recent, err := database.CountMicrographsSince(ctx, cutoff)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
				os.Exit(1)
			}
			pairs = append(pairs, [2]string{
				"Since " + cutoff.Local().Format("2006-01-02 15:04"),
				fmt.Sprintf("%d micrographs", recent),
			})
		}
		ui.KeyValues(os.Stdout, pairs)
		fmt.Println()
	},
}

func init() {
	dbSummaryCmd.Flags().String("since", "", `Also count micrographs acquired since this time (e.g. "2 hours ago")`)
	dbCmd.AddCommand(dbSummaryCmd)
	rootCmd.AddCommand(dbCmd)
}

var timeParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince resolves a duration, an RFC 3339 timestamp or a natural
// language phrase relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty time")
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}

	r, err := timeParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return r.Time, nil
}
