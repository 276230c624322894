// Package loadtest replays synthetic EPU acquisitions through the ingestion
// pipeline.
//
// A generated session is written to disk as real manifests, delivered to the
// priority queue in a shuffled order that mimics files landing out of order,
// and drained in batches through the processor. The run reports throughput,
// per-entity latency from arrival to storage, and whether the final entity
// graph is complete.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"path/filepath"
	"sort"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
	"github.com/smartem/epuwatch/internal/epu/memstore"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/processor"
	"github.com/smartem/epuwatch/internal/epu/queue"
	"github.com/smartem/epuwatch/internal/epu/schema"
)

// Shape controls the size of a generated session.
type Shape struct {
	GridSquares            int
	FoilHolesPerSquare     int
	MicrographsPerFoilHole int
}

// DefaultShape returns a small but fully populated session layout.
func DefaultShape() Shape {
	return Shape{
		GridSquares:            10,
		FoilHolesPerSquare:     4,
		MicrographsPerFoilHole: 3,
	}
}

// Session is a synthetic acquisition laid out on disk.
type Session struct {
	Root string
	// Files lists every manifest in parent-first order.
	Files    []string
	Expected schema.Counts
}

// Store is the datastore a run writes into.
type Store interface {
	processor.Datastore
	Counts(ctx context.Context) (schema.Counts, error)
}

// LatencyStats captures arrival-to-storage latency for stored entities.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration // Median
	P95       time.Duration
	P99       time.Duration
	Samples   int
	Durations []time.Duration
}

// Options configures a run.
type Options struct {
	// BatchSize is the number of events drained per tick (default: 50)
	BatchSize int
	// ArrivalsPerTick is how many files land between ticks (default: BatchSize)
	ArrivalsPerTick int
	// Seed drives the delivery order; zero delivers parent-first.
	Seed int64
	// QueueSize bounds the priority queue (default: number of files)
	QueueSize int
	// Store receives the entities (default: a fresh memstore)
	Store Store
	// Logger for pipeline activity (default: discard)
	Logger *log.Logger
}

// Report is the outcome of a run.
type Report struct {
	Files          int
	Ticks          int
	Duration       time.Duration
	Throughput     float64 // events per second
	Processing     processor.Stats
	Latency        *LatencyStats
	Counts         schema.Counts
	Expected       schema.Counts
	PendingOrphans int
	Evicted        int
	Dropped        int
	Complete       bool
}

// GenerateSession writes a session with the given shape under root. The
// layout follows EPU: a session file, one atlas, grid square metadata, and
// per-square foil hole and micrograph manifests.
func GenerateSession(root string, shape Shape) (*Session, error) {
	if shape.GridSquares <= 0 {
		return nil, fmt.Errorf("invalid shape: need at least one grid square, got %d", shape.GridSquares)
	}
	if shape.FoilHolesPerSquare < 0 || shape.MicrographsPerFoilHole < 0 {
		return nil, fmt.Errorf("invalid shape: negative counts in %+v", shape)
	}

	session := &Session{Root: root}
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	write := func(rel, content string) error {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := schema.WriteManifest(path, content); err != nil {
			return fmt.Errorf("failed to generate %s: %w", rel, err)
		}
		session.Files = append(session.Files, path)
		return nil
	}

	if err := write("EpuSession.dm", schema.SessionXML("loadtest", start)); err != nil {
		return nil, err
	}
	if err := write("Sample0/Atlas/Atlas.dm", schema.AtlasXML("Atlas", 16)); err != nil {
		return nil, err
	}
	session.Expected.Grids = 1
	session.Expected.Atlases = 1

	holeID := 1000
	exposure := 0
	for sq := 0; sq < shape.GridSquares; sq++ {
		gsID := 100 + sq
		x, y := float64(sq%8)*250, float64(sq/8)*250
		if err := write(fmt.Sprintf("Metadata/GridSquare_%d.dm", gsID), schema.GridSquareXML(x, y, -2.0e-6, 2250)); err != nil {
			return nil, err
		}
		session.Expected.GridSquares++

		dir := fmt.Sprintf("Images-Disc1/GridSquare_%d", gsID)
		for h := 0; h < shape.FoilHolesPerSquare; h++ {
			holeID++
			at := start.Add(time.Duration(holeID) * time.Second)
			stamp := at.Format("20060102_150405")

			rel := fmt.Sprintf("%s/FoilHoles/FoilHole_%d_%s.xml", dir, holeID, stamp)
			if err := write(rel, schema.FoilHoleXML(x+float64(h), y+float64(h), 1.2e-6)); err != nil {
				return nil, err
			}
			session.Expected.FoilHoles++

			for m := 0; m < shape.MicrographsPerFoilHole; m++ {
				exposure++
				rel := fmt.Sprintf("%s/Data/FoilHole_%d_Data_%d_%d_%s.xml", dir, holeID, exposure, m, stamp)
				if err := write(rel, schema.MicrographXML(-1.5e-6, 1.0, at.Add(time.Duration(m)*time.Second))); err != nil {
					return nil, err
				}
				session.Expected.Micrographs++
			}
		}
	}

	return session, nil
}

// Shuffle returns the session files in a deterministic pseudo-random order.
func Shuffle(files []string, seed int64) []string {
	out := make([]string, len(files))
	copy(out, files)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

// Run delivers the session to a fresh pipeline and drains it.
func Run(ctx context.Context, session *Session, opts Options) (*Report, error) {
	if session == nil || len(session.Files) == 0 {
		return nil, fmt.Errorf("empty session")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.ArrivalsPerTick <= 0 {
		opts.ArrivalsPerTick = opts.BatchSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = len(session.Files)
	}
	if opts.Store == nil {
		opts.Store = memstore.New()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}

	order := session.Files
	if opts.Seed != 0 {
		order = Shuffle(session.Files, opts.Seed)
	}

	q, err := queue.New(queue.Options{MaxSize: opts.QueueSize, EnableRecovery: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create queue: %w", err)
	}
	orphans := orphan.New(&orphan.Config{Timeout: time.Hour, Logger: opts.Logger})
	proc, err := processor.New(schema.NewManifestParser(), opts.Store, orphans, opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create processor: %w", err)
	}

	report := &Report{Files: len(order), Expected: session.Expected}
	arrived := make(map[string]time.Time, len(order))
	var latencies []time.Duration

	begin := time.Now()
	next := 0
	for next < len(order) || q.Size() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("load test interrupted: %w", err)
		}

		for i := 0; i < opts.ArrivalsPerTick && next < len(order); i++ {
			now := time.Now()
			path := order[next]
			arrived[path] = now
			q.Enqueue(classify.Classify(path, classify.EventCreated, now))
			next++
		}

		batch := q.DequeueBatch(opts.BatchSize)
		stats, results := proc.ProcessBatch(ctx, batch)
		q.RecoverEvictedEvents()
		report.Ticks++
		report.Processing.Add(stats)

		done := time.Now()
		for _, r := range results {
			if r.Outcome != processor.Success {
				continue
			}
			if at, ok := arrived[r.Event.FilePath]; ok {
				latencies = append(latencies, done.Sub(at))
				delete(arrived, r.Event.FilePath)
			}
		}
	}
	report.Duration = time.Since(begin)

	if secs := report.Duration.Seconds(); secs > 0 {
		report.Throughput = float64(report.Processing.TotalProcessed) / secs
	}
	report.Latency = computeLatencyStats(latencies)
	report.PendingOrphans = orphans.Stats().TotalPending
	report.Evicted = q.EvictedCount()
	report.Dropped = q.DroppedCount()

	counts, err := opts.Store.Counts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count stored entities: %w", err)
	}
	report.Counts = counts
	report.Complete = counts == session.Expected && report.PendingOrphans == 0

	return report, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		Samples:   len(durations),
		Durations: sorted,
	}
}

// WriteReport formats a run report.
func (r *Report) WriteReport(w io.Writer) {
	fmt.Fprintf(w, "Load Test Report:\n")
	fmt.Fprintf(w, "  Files:           %d\n", r.Files)
	fmt.Fprintf(w, "  Ticks:           %d\n", r.Ticks)
	fmt.Fprintf(w, "  Duration:        %v\n", r.Duration)
	fmt.Fprintf(w, "  Throughput:      %.0f events/s\n", r.Throughput)
	fmt.Fprintf(w, "  Processed:       %d (%d ok, %d orphaned, %d failed)\n",
		r.Processing.TotalProcessed, r.Processing.Successful, r.Processing.Orphaned, r.Processing.Failed)
	fmt.Fprintf(w, "  Orphans:         %d resolved, %d pending\n", r.Processing.OrphansResolved, r.PendingOrphans)
	fmt.Fprintf(w, "  Queue:           %d evicted, %d dropped\n", r.Evicted, r.Dropped)
	fmt.Fprintf(w, "  Latency P50:     %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Latency P95:     %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  Latency P99:     %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Latency Max:     %v\n", r.Latency.Max)
	fmt.Fprintf(w, "  Stored:          %d grids, %d atlases, %d grid squares, %d foil holes, %d micrographs\n",
		r.Counts.Grids, r.Counts.Atlases, r.Counts.GridSquares, r.Counts.FoilHoles, r.Counts.Micrographs)
	fmt.Fprintf(w, "  Complete:        %v\n", r.Complete)
}
