package daemon

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
	"github.com/smartem/epuwatch/internal/epu/memstore"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/processor"
	"github.com/smartem/epuwatch/internal/epu/queue"
	"github.com/smartem/epuwatch/internal/epu/retry"
	"github.com/smartem/epuwatch/internal/epu/schema"
)

// testEnv bundles a daemon with its collaborators.
type testEnv struct {
	daemon *Daemon
	queue  *queue.Queue
	store  *memstore.Store
	errors *retry.Handler
	root   string
}

func setupDaemon(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)

	q, err := queue.New(queue.Options{MaxSize: 100, EnableRecovery: true})
	if err != nil {
		t.Fatalf("queue.New() failed: %v", err)
	}
	store := memstore.New()
	orphans := orphan.New(&orphan.Config{Timeout: time.Minute, Logger: quiet})
	errs := retry.New(&retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Logger: quiet})
	proc, err := processor.New(schema.NewManifestParser(), store, orphans, quiet)
	if err != nil {
		t.Fatalf("processor.New() failed: %v", err)
	}

	root := t.TempDir()
	config := DefaultConfig()
	config.WatchDir = root
	config.ProcessingInterval = 10 * time.Millisecond
	config.OrphanCheckInterval = 20 * time.Millisecond
	config.StatusEvery = 0
	config.ShutdownTimeout = 2 * time.Second
	config.Logger = quiet
	if mutate != nil {
		mutate(config)
	}

	d, err := New(Deps{Queue: q, Processor: proc, Orphans: orphans, Errors: errs, Store: store}, config)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { d.Stop() })

	return &testEnv{daemon: d, queue: q, store: store, errors: errs, root: root}
}

func (e *testEnv) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := schema.WriteManifest(path, content); err != nil {
		t.Fatal(err)
	}
	return path
}

func (e *testEnv) enqueue(paths ...string) {
	for _, p := range paths {
		e.queue.Enqueue(classify.Classify(p, classify.EventCreated, time.Now()))
	}
}

func TestNew(t *testing.T) {
	q, _ := queue.New(queue.Options{MaxSize: 10})
	orphans := orphan.New(nil)
	proc, _ := processor.New(schema.NewManifestParser(), memstore.New(), orphans, nil)
	full := Deps{Queue: q, Processor: proc, Orphans: orphans, Errors: retry.New(nil), Store: memstore.New()}

	tests := []struct {
		name    string
		deps    Deps
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid configuration", deps: full},
		{name: "missing queue", deps: Deps{Processor: proc, Orphans: orphans, Errors: full.Errors, Store: full.Store}, wantErr: true},
		{name: "empty watch dir", deps: full, mutate: func(c *Config) { c.WatchDir = "" }, wantErr: true},
		{name: "zero interval", deps: full, mutate: func(c *Config) { c.ProcessingInterval = 0 }, wantErr: true},
		{name: "zero batch size", deps: full, mutate: func(c *Config) { c.BatchSize = 0 }, wantErr: true},
		{name: "bad pattern", deps: full, mutate: func(c *Config) { c.Patterns = []string{"["} }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			config.WatchDir = t.TempDir()
			config.Logger = log.New(io.Discard, "", 0)
			if tt.mutate != nil {
				tt.mutate(config)
			}
			d, err := New(tt.deps, config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if d != nil {
				d.Stop()
			}
		})
	}
}

// TestTick_ProcessesBatch verifies one tick stores queued entities in
// priority order even when they arrived child-first.
func TestTick_ProcessesBatch(t *testing.T) {
	env := setupDaemon(t, nil)
	fh := env.write(t, "Images-Disc1/GridSquare_50/FoilHoles/FoilHole_777_20240301_093500.xml", schema.FoilHoleXML(1, 2, 1.2))
	gs := env.write(t, "Metadata/GridSquare_50.dm", schema.GridSquareXML(1, 2, 0, 2250))
	grid := env.write(t, "EpuSession.dm", schema.SessionXML("g", time.Now()))
	env.enqueue(fh, gs, grid)

	stats := env.daemon.Tick()
	if stats.Successful != 3 || stats.Orphaned != 0 {
		t.Errorf("stats = %+v, want 3 successful", stats)
	}

	counts, _ := env.store.Counts(context.Background())
	if counts.Grids != 1 || counts.GridSquares != 1 || counts.FoilHoles != 1 {
		t.Errorf("counts = %+v", counts)
	}
	if snap := env.daemon.Snapshot(); snap.Processing.TotalProcessed != 3 || snap.Queue.Size != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

// TestTick_BatchSize verifies a tick never takes more than BatchSize events.
func TestTick_BatchSize(t *testing.T) {
	env := setupDaemon(t, func(c *Config) { c.BatchSize = 2 })
	for i := range 5 {
		env.enqueue(filepath.Join(env.root, "junk", strings.Repeat("x", i+1)+".txt"))
	}

	if stats := env.daemon.Tick(); stats.TotalProcessed != 2 {
		t.Errorf("TotalProcessed = %d, want 2", stats.TotalProcessed)
	}
	if env.queue.Size() != 3 {
		t.Errorf("queue size = %d, want 3", env.queue.Size())
	}
}

// TestTick_TransientFailureRetried verifies a malformed manifest is retried
// after its backoff and succeeds once the file is complete.
func TestTick_TransientFailureRetried(t *testing.T) {
	env := setupDaemon(t, nil)
	grid := env.write(t, "EpuSession.dm", "<EpuSessionXml><Name>trunc")
	env.enqueue(grid)

	if stats := env.daemon.Tick(); stats.Failed != 1 {
		t.Fatalf("first tick stats = %+v, want 1 failed", stats)
	}
	if snap := env.daemon.Snapshot(); snap.PendingRetries != 1 {
		t.Fatalf("PendingRetries = %d, want 1", snap.PendingRetries)
	}
	rec, ok := env.errors.Record(grid)
	if !ok || rec.Category != retry.TransientParser || rec.RetryCount != 1 {
		t.Fatalf("error record = %+v, %v", rec, ok)
	}

	env.write(t, "EpuSession.dm", schema.SessionXML("g", time.Now()))
	time.Sleep(5 * time.Millisecond)

	if stats := env.daemon.Tick(); stats.Successful != 1 {
		t.Fatalf("retry tick stats = %+v, want 1 successful", stats)
	}
	if _, ok := env.errors.Record(grid); ok {
		t.Error("error record should be cleared after success")
	}
	if snap := env.daemon.Snapshot(); snap.PendingRetries != 0 {
		t.Errorf("PendingRetries = %d, want 0", snap.PendingRetries)
	}
}

// TestTick_RetriesExhausted verifies a path that keeps failing is recorded
// as permanent after MaxRetries attempts.
func TestTick_RetriesExhausted(t *testing.T) {
	env := setupDaemon(t, nil)
	grid := env.write(t, "EpuSession.dm", "<broken")
	env.enqueue(grid)

	for range 10 {
		env.daemon.Tick()
		time.Sleep(12 * time.Millisecond)
	}

	stats := env.errors.Stats()
	if stats.PermanentByCategory[retry.TransientParser] != 1 {
		t.Errorf("PermanentByCategory = %+v, want one transient_parser", stats.PermanentByCategory)
	}
	if env.daemon.Snapshot().PendingRetries != 0 {
		t.Error("no retries should remain after exhaustion")
	}
}

// TestTick_PermanentFailures verifies missing files and unknown paths are
// never retried.
func TestTick_PermanentFailures(t *testing.T) {
	env := setupDaemon(t, nil)
	env.enqueue(filepath.Join(env.root, "EpuSession.dm"), filepath.Join(env.root, "readme.txt"))

	if stats := env.daemon.Tick(); stats.Failed != 2 {
		t.Fatalf("stats = %+v, want 2 failed", stats)
	}

	snap := env.daemon.Snapshot()
	if snap.PendingRetries != 0 {
		t.Errorf("PendingRetries = %d, want 0", snap.PendingRetries)
	}
	if snap.Errors.PermanentByCategory[retry.PermanentMissing] != 1 {
		t.Errorf("PermanentByCategory = %+v", snap.Errors.PermanentByCategory)
	}
	if snap.Errors.PermanentByCategory[retry.Unknown] != 1 {
		t.Errorf("unknown path should be recorded as permanent: %+v", snap.Errors.PermanentByCategory)
	}
}

// TestTick_InvalidLayoutIsCorrupt verifies a well-formed manifest outside the
// EPU directory layout is recorded as corrupt and never retried.
func TestTick_InvalidLayoutIsCorrupt(t *testing.T) {
	env := setupDaemon(t, nil)
	fh := env.write(t, "FoilHoles/FoilHole_1_20240301_093500.xml", schema.FoilHoleXML(1, 2, 1.2))
	env.enqueue(fh)

	if stats := env.daemon.Tick(); stats.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 failed", stats)
	}
	if rec, ok := env.errors.Record(fh); ok && rec.Category != retry.PermanentCorrupt {
		t.Errorf("record category = %s, want %s", rec.Category, retry.PermanentCorrupt)
	}

	for range 6 {
		time.Sleep(12 * time.Millisecond)
		if stats := env.daemon.Tick(); stats.TotalProcessed != 0 {
			t.Fatalf("event was retried: %+v", stats)
		}
	}

	snap := env.daemon.Snapshot()
	if snap.PendingRetries != 0 {
		t.Errorf("PendingRetries = %d, want 0", snap.PendingRetries)
	}
	if got := snap.Errors.PermanentByCategory; got[retry.PermanentCorrupt] != 1 || got[retry.TransientParser] != 0 {
		t.Errorf("PermanentByCategory = %+v, want one permanent_corrupt", got)
	}
}

func TestNew_DefaultShutdownTimeout(t *testing.T) {
	env := setupDaemon(t, func(c *Config) { c.ShutdownTimeout = 0 })
	if env.daemon.config.ShutdownTimeout != defaultShutdownTimeout {
		t.Fatalf("ShutdownTimeout = %s, want %s", env.daemon.config.ShutdownTimeout, defaultShutdownTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.daemon.Start(ctx) }()
	time.Sleep(30 * time.Millisecond)

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("clean shutdown reported %v", err)
	}
}

// recordingObserver collects callbacks.
type recordingObserver struct {
	mu      sync.Mutex
	batches int
	status  int
}

func (o *recordingObserver) BatchProcessed(processor.Stats, []processor.Result) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches++
}

func (o *recordingObserver) StatusUpdated(Snapshot) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status++
}

func TestTick_Observer(t *testing.T) {
	env := setupDaemon(t, func(c *Config) { c.StatusEvery = 2 })
	obs := &recordingObserver{}
	env.daemon.SetObserver(obs)

	env.enqueue(filepath.Join(env.root, "readme.txt"))
	env.daemon.Tick()
	env.daemon.Tick()

	if obs.batches != 1 {
		t.Errorf("batches = %d, want 1 (empty ticks are not reported)", obs.batches)
	}
	if obs.status != 1 {
		t.Errorf("status = %d, want 1", obs.status)
	}
}

func TestHandleInstruction(t *testing.T) {
	env := setupDaemon(t, nil)
	d := env.daemon

	tests := []struct {
		name        string
		instruction string
		want        string
	}{
		{"status", "status", "queue: 0 pending"},
		{"datastore info", "datastore.info", "datastore memory: 0 grids"},
		{"unknown", "reboot now", "unknown instruction type: reboot"},
		{"empty", "   ", "unknown instruction type"},
		{"update", "config.update batch_size=7 processing_interval=250ms", "updated batch_size=7 processing_interval=250ms"},
		{"seconds", "config.update orphan_timeout=90", "orphan_timeout=1m30s"},
		{"bad key", "config.update colour=blue", `unknown key "colour"`},
		{"bad value", "config.update batch_size=-1", "batch_size must be a positive integer"},
		{"malformed", "config.update batch_size", "malformed argument"},
		{"no args", "config.update", "expected key=value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.HandleInstruction(tt.instruction)
			if !strings.Contains(got, tt.want) {
				t.Errorf("HandleInstruction(%q) = %q, want it to contain %q", tt.instruction, got, tt.want)
			}
		})
	}

	snap := d.Snapshot()
	if snap.BatchSize != 7 || snap.ProcessingInterval != "250ms" {
		t.Errorf("config not applied: batch=%d interval=%s", snap.BatchSize, snap.ProcessingInterval)
	}
}

// TestHandleInstruction_AtomicUpdate verifies a rejected pair leaves the
// whole update unapplied.
func TestHandleInstruction_AtomicUpdate(t *testing.T) {
	env := setupDaemon(t, nil)
	before := env.daemon.Snapshot().BatchSize

	env.daemon.HandleInstruction("config.update batch_size=9 processing_interval=nope")
	if got := env.daemon.Snapshot().BatchSize; got != before {
		t.Errorf("BatchSize = %d, want unchanged %d", got, before)
	}
}

// TestDaemon_EndToEnd verifies files written under the watched directory
// end up in the datastore, whatever order they appear in.
func TestDaemon_EndToEnd(t *testing.T) {
	env := setupDaemon(t, nil)

	// Present before start: picked up by the initial scan.
	env.write(t, "Images-Disc1/GridSquare_50/Data/FoilHole_777_Data_1_2_20240301_094000.xml",
		schema.MicrographXML(-1e-6, 1, time.Now()))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.daemon.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	env.write(t, "Images-Disc1/GridSquare_50/FoilHoles/FoilHole_777_20240301_093500.xml", schema.FoilHoleXML(1, 2, 1))
	env.write(t, "Metadata/GridSquare_50.dm", schema.GridSquareXML(1, 2, 0, 2250))
	env.write(t, "EpuSession.dm", schema.SessionXML("g", time.Now()))

	want := schema.Counts{Grids: 1, GridSquares: 1, FoilHoles: 1, Micrographs: 1}
	deadline := time.Now().Add(5 * time.Second)
	for {
		counts, _ := env.store.Counts(context.Background())
		if counts == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("counts = %+v, want %+v", counts, want)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
	if env.daemon.Snapshot().Running {
		t.Error("daemon should not report running after shutdown")
	}
}

func TestParseInterval(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"500ms", 500 * time.Millisecond, false},
		{"2", 2 * time.Second, false},
		{"0.5", 500 * time.Millisecond, false},
		{"0", 0, true},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := parseInterval(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseInterval(%q) = %v, %v", tt.in, got, err)
		}
	}
}
