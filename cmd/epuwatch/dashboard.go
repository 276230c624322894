package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/smartem/epuwatch/internal/epu/daemon"
	"github.com/smartem/epuwatch/internal/epu/dashboard"
	"github.com/smartem/epuwatch/internal/ui"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "inspect",
	Short:   "Follow the live dashboard stream of a running watcher",
	Long: `Connect to the WebSocket dashboard of a watcher started with --dashboard and
print its messages as they arrive.

Message types:
- welcome: sent on connect, carries the latest status if any
- status:  periodic status snapshot
- batch:   one processing batch, with failures and cascaded orphans

Examples:
  epuwatch dashboard
  epuwatch dashboard --addr epu-host:9000 --json`,
	Run: func(cmd *cobra.Command, args []string) {
		addr, _ := cmd.Flags().GetString("addr")
		jsonOutput, _ := cmd.Flags().GetBool("json")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s failed to connect to %s: %v\n", ui.RenderFail("Error:"), addr, err)
			os.Exit(1)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		fmt.Fprintf(os.Stderr, "%s Following ws://%s/ws (Ctrl+C to stop)\n", ui.RenderAccent("●"), addr)

		if err := follow(ctx, conn, os.Stdout, jsonOutput); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("Error:"), err)
			os.Exit(1)
		}
	},
}

func init() {
	dashboardCmd.Flags().String("addr", "localhost:8080", "Dashboard address of the running watcher")
	dashboardCmd.Flags().Bool("json", false, "Print raw messages, one per line")
	rootCmd.AddCommand(dashboardCmd)
}

// follow prints dashboard messages until ctx ends or the server closes the
// connection.
func follow(ctx context.Context, conn *websocket.Conn, w io.Writer, raw bool) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) != -1 {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("dashboard stream failed: %w", err)
		}

		if raw {
			fmt.Fprintln(w, string(data))
			continue
		}

		var msg dashboard.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintf(w, "%s undecodable message: %v\n", ui.RenderWarn("⚠"), err)
			continue
		}
		writeMessage(w, msg)
	}
}

func writeMessage(w io.Writer, msg dashboard.Message) {
	stamp := ui.RenderMuted(msg.Timestamp.Local().Format("15:04:05"))

	switch msg.Type {
	case dashboard.MessageTypeWelcome, dashboard.MessageTypeStatus:
		if len(msg.Data) == 0 {
			fmt.Fprintf(w, "%s %s connected, no status yet\n", stamp, ui.RenderAccent("●"))
			return
		}
		var snap daemon.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			fmt.Fprintf(w, "%s %s undecodable status: %v\n", stamp, ui.RenderWarn("⚠"), err)
			return
		}
		fmt.Fprintf(w, "%s %s %s\n", stamp, ui.RenderAccent("status"), snap.Summary())

	case dashboard.MessageTypeBatch:
		var batch dashboard.BatchData
		if err := json.Unmarshal(msg.Data, &batch); err != nil {
			fmt.Fprintf(w, "%s %s undecodable batch: %v\n", stamp, ui.RenderWarn("⚠"), err)
			return
		}
		s := batch.Stats
		marker := ui.RenderPass("batch")
		if s.Failed > 0 {
			marker = ui.RenderWarn("batch")
		}
		fmt.Fprintf(w, "%s %s %d processed: %d ok, %d orphaned, %d failed, %d resolved (%d cascaded)\n",
			stamp, marker, s.TotalProcessed, s.Successful, s.Orphaned, s.Failed, s.OrphansResolved, batch.Cascaded)
		for _, f := range batch.Failures {
			fmt.Fprintf(w, "         %s %s %s: %s\n", ui.RenderFail("✗"), f.EntityType, f.Path, f.Error)
		}

	default:
		fmt.Fprintf(w, "%s %s %s\n", stamp, msg.Type, string(msg.Data))
	}
}
