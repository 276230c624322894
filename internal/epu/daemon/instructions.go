package daemon

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Instruction names accepted by HandleInstruction.
const (
	InstructionStatus        = "status"
	InstructionConfigUpdate  = "config.update"
	InstructionDatastoreInfo = "datastore.info"
)

// HandleInstruction runs an administrative command and returns a
// human-readable reply. It never fails; problems are described in the reply.
//
//	status
//	config.update processing_interval=500ms batch_size=100
//	datastore.info
func (d *Daemon) HandleInstruction(instruction string) string {
	fields := strings.Fields(instruction)
	if len(fields) == 0 {
		return "unknown instruction type: (empty)"
	}

	switch fields[0] {
	case InstructionStatus:
		return d.statusReport()
	case InstructionConfigUpdate:
		return d.updateConfig(fields[1:])
	case InstructionDatastoreInfo:
		return d.datastoreInfo()
	default:
		return fmt.Sprintf("unknown instruction type: %s", fields[0])
	}
}

func (d *Daemon) statusReport() string {
	s := d.Snapshot()

	var b strings.Builder
	state := "stopped"
	if s.Running {
		state = "running"
	}
	fmt.Fprintf(&b, "watcher %s on %s\n", state, s.WatchDir)
	fmt.Fprintf(&b, "queue: %d pending, %d evicted, %d retained, %d dropped\n",
		s.Queue.Size, s.Queue.Evicted, s.Queue.Retained, s.Queue.Dropped)
	fmt.Fprintf(&b, "processed: %d (%d ok, %d orphaned, %d failed), %d orphans resolved\n",
		s.Processing.TotalProcessed, s.Processing.Successful, s.Processing.Orphaned,
		s.Processing.Failed, s.Processing.OrphansResolved)
	fmt.Fprintf(&b, "orphans: %d pending, %d timed out, %d dead letters\n",
		s.Orphans.TotalPending, s.Orphans.TimedOut, s.Orphans.DeadLetters)
	fmt.Fprintf(&b, "errors: %d active, %d retries scheduled\n", s.Errors.ActiveErrors, s.PendingRetries)
	fmt.Fprintf(&b, "intervals: processing=%s orphan_check=%s batch_size=%d",
		s.ProcessingInterval, s.OrphanCheckInterval, s.BatchSize)
	return b.String()
}

func (d *Daemon) datastoreInfo() string {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := d.deps.Store.Counts(ctx)
	if err != nil {
		return fmt.Sprintf("datastore %s: error: %v", d.deps.Store.Info(), err)
	}
	return fmt.Sprintf("datastore %s: %d grids, %d atlases, %d grid squares, %d foil holes, %d micrographs",
		d.deps.Store.Info(), counts.Grids, counts.Atlases, counts.GridSquares, counts.FoilHoles, counts.Micrographs)
}

// updateConfig applies key=value pairs. All pairs are validated before any
// is applied.
func (d *Daemon) updateConfig(args []string) string {
	if len(args) == 0 {
		return "config.update: expected key=value pairs"
	}

	type change struct {
		key      string
		duration time.Duration
		number   int
	}
	var changes []change

	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			return fmt.Sprintf("config.update: malformed argument %q, expected key=value", arg)
		}
		switch key {
		case "processing_interval", "orphan_check_interval", "orphan_timeout":
			dur, err := parseInterval(value)
			if err != nil {
				return fmt.Sprintf("config.update: %s: %v", key, err)
			}
			changes = append(changes, change{key: key, duration: dur})
		case "batch_size":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return fmt.Sprintf("config.update: batch_size must be a positive integer, got %q", value)
			}
			changes = append(changes, change{key: key, number: n})
		default:
			return fmt.Sprintf("config.update: unknown key %q", key)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	applied := make([]string, 0, len(changes))
	for _, c := range changes {
		switch c.key {
		case "processing_interval":
			d.config.ProcessingInterval = c.duration
			if d.procTicker != nil {
				d.procTicker.Reset(c.duration)
			}
			applied = append(applied, fmt.Sprintf("%s=%s", c.key, c.duration))
		case "orphan_check_interval":
			d.config.OrphanCheckInterval = c.duration
			if d.sweepTicker != nil {
				d.sweepTicker.Reset(c.duration)
			}
			applied = append(applied, fmt.Sprintf("%s=%s", c.key, c.duration))
		case "orphan_timeout":
			d.config.OrphanTimeout = c.duration
			applied = append(applied, fmt.Sprintf("%s=%s", c.key, c.duration))
		case "batch_size":
			d.config.BatchSize = c.number
			applied = append(applied, fmt.Sprintf("%s=%d", c.key, c.number))
		}
	}
	sort.Strings(applied)

	d.config.Logger.Printf("Configuration updated: %s", strings.Join(applied, " "))
	return "updated " + strings.Join(applied, " ")
}

// parseInterval accepts Go duration syntax or a bare number of seconds.
func parseInterval(value string) (time.Duration, error) {
	if dur, err := time.ParseDuration(value); err == nil {
		if dur <= 0 {
			return 0, fmt.Errorf("must be positive, got %s", value)
		}
		return dur, nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", value)
	}
	if secs <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", value)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
