package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/processor"
	"github.com/smartem/epuwatch/internal/epu/queue"
	"github.com/smartem/epuwatch/internal/epu/retry"
	"github.com/smartem/epuwatch/internal/epu/schema"
)

const defaultShutdownTimeout = 10 * time.Second

// Config holds configuration for the daemon.
type Config struct {
	// WatchDir is the EPU output directory to watch recursively
	WatchDir string

	// Patterns is the glob allowlist, relative to WatchDir (see MatchGlob)
	Patterns []string

	// ProcessingInterval is how often the queue is drained
	ProcessingInterval time.Duration

	// OrphanCheckInterval is how often orphan ages are checked
	OrphanCheckInterval time.Duration

	// OrphanTimeout is the age at which an orphan is reported
	OrphanTimeout time.Duration

	// BatchSize is the maximum number of events processed per tick
	BatchSize int

	// StatusEvery logs a status snapshot every N processing ticks (0 = never)
	StatusEvery int

	// ShutdownTimeout bounds how long Stop waits for the loops to exit (0 = 10s)
	ShutdownTimeout time.Duration

	// InitialScan replays files that already exist when the daemon starts
	InitialScan bool

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Patterns:            DefaultPatterns,
		ProcessingInterval:  time.Second,
		OrphanCheckInterval: time.Minute,
		OrphanTimeout:       5 * time.Minute,
		BatchSize:           50,
		StatusEvery:         30,
		ShutdownTimeout:     defaultShutdownTimeout,
		InitialScan:         true,
		Logger:              log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Store is the read side of the datastore used for status reporting.
type Store interface {
	Counts(ctx context.Context) (schema.Counts, error)
	Info() string
}

// Deps are the collaborators the daemon drives. All are required.
type Deps struct {
	Queue     *queue.Queue
	Processor *processor.Processor
	Orphans   *orphan.Manager
	Errors    *retry.Handler
	Store     Store
}

// Observer receives processing updates. Callbacks run on the processing
// loop and must not block.
type Observer interface {
	BatchProcessed(stats processor.Stats, results []processor.Result)
	StatusUpdated(snapshot Snapshot)
}

// pendingRetry is a failed event waiting out its backoff delay.
type pendingRetry struct {
	event classify.ClassifiedEvent
	due   time.Time
}

// Daemon orchestrates file watching and event processing.
type Daemon struct {
	deps    Deps
	config  *Config
	watcher *FileWatcher

	// mu guards the runtime-tunable config fields, the tickers and the
	// cached state read by Snapshot.
	mu          sync.Mutex
	procTicker  *time.Ticker
	sweepTicker *time.Ticker
	observer    Observer
	running     bool
	totals      processor.Stats
	errStats    retry.Stats
	retryCount  int

	// retries is owned by the processing loop.
	retries []pendingRetry
	ticks   int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New creates a new Daemon. Use Start() to begin watching.
func New(deps Deps, config *Config) (*Daemon, error) {
	if deps.Queue == nil || deps.Processor == nil || deps.Orphans == nil || deps.Errors == nil || deps.Store == nil {
		return nil, fmt.Errorf("queue, processor, orphans, errors and store are required")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.WatchDir == "" {
		return nil, fmt.Errorf("watch directory cannot be empty")
	}
	if config.ProcessingInterval <= 0 || config.OrphanCheckInterval <= 0 {
		return nil, fmt.Errorf("intervals must be positive")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaultShutdownTimeout
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	watcher, err := NewFileWatcher(config.Patterns)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		deps:    deps,
		config:  config,
		watcher: watcher,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// SetObserver registers o for batch and status callbacks. It must be called
// before Start.
func (d *Daemon) SetObserver(o Observer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observer = o
}

// Start begins watching and processing. It blocks until ctx is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon on %s", d.config.WatchDir)

	if err := d.watcher.Start(d.config.WatchDir, d.config.InitialScan); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	d.mu.Lock()
	d.procTicker = time.NewTicker(d.config.ProcessingInterval)
	d.sweepTicker = time.NewTicker(d.config.OrphanCheckInterval)
	d.running = true
	d.mu.Unlock()

	d.wg.Add(3)
	go d.listen()
	go d.processLoop()
	go d.sweepLoop()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop shuts the daemon down. Loops exit at their next iteration boundary,
// so a batch in flight completes first. Stop waits at most ShutdownTimeout.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if err := d.watcher.Stop(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			d.config.Logger.Println("Daemon stopped")
		case <-time.After(d.config.ShutdownTimeout):
			d.stopErr = fmt.Errorf("timed out after %s waiting for loops to exit", d.config.ShutdownTimeout)
		}

		d.mu.Lock()
		d.running = false
		if d.procTicker != nil {
			d.procTicker.Stop()
			d.sweepTicker.Stop()
		}
		d.mu.Unlock()
	})
	return d.stopErr
}

// listen classifies watcher events and enqueues them. Enqueue never blocks,
// so the listener keeps up with the filesystem regardless of processing.
func (d *Daemon) listen() {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				return
			}
			d.deps.Queue.Enqueue(classify.Classify(ev.Path, ev.Op.EventType(), ev.Time))

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// processLoop drains the queue on every tick.
func (d *Daemon) processLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.procTicker.C:
			d.Tick()
		}
	}
}

// Tick runs one processing iteration: requeue due retries, process a batch,
// route failures, recover evicted events and periodically report status.
// The batch runs to completion even if the daemon is stopping.
func (d *Daemon) Tick() processor.Stats {
	now := time.Now()
	d.requeueDue(now)

	d.mu.Lock()
	batchSize := d.config.BatchSize
	statusEvery := d.config.StatusEvery
	observer := d.observer
	d.mu.Unlock()

	var stats processor.Stats
	var results []processor.Result
	if batch := d.deps.Queue.DequeueBatch(batchSize); len(batch) > 0 {
		stats, results = d.deps.Processor.ProcessBatch(context.WithoutCancel(d.ctx), batch)
		d.routeResults(results, now)
		if observer != nil {
			observer.BatchProcessed(stats, results)
		}
	}

	if n := d.deps.Queue.RecoverEvictedEvents(); n > 0 {
		d.config.Logger.Printf("Recovered %d evicted events", n)
	}

	d.mu.Lock()
	d.totals.Add(stats)
	d.errStats = d.deps.Errors.Stats()
	d.retryCount = len(d.retries)
	d.mu.Unlock()

	d.ticks++
	if statusEvery > 0 && d.ticks%statusEvery == 0 {
		snap := d.Snapshot()
		d.config.Logger.Printf("Status: %s", snap.Summary())
		if observer != nil {
			observer.StatusUpdated(snap)
		}
	}

	return stats
}

// requeueDue moves retries whose backoff has elapsed back into the queue.
func (d *Daemon) requeueDue(now time.Time) {
	kept := d.retries[:0]
	for _, r := range d.retries {
		if now.Before(r.due) {
			kept = append(kept, r)
			continue
		}
		d.deps.Queue.Enqueue(r.event)
	}
	d.retries = kept
}

// routeResults feeds processing outcomes through the error handler.
func (d *Daemon) routeResults(results []processor.Result, now time.Time) {
	for _, r := range results {
		path := r.Event.FilePath
		if r.Outcome != processor.Failed {
			d.deps.Errors.RecordSuccess(path)
			continue
		}

		if r.Event.EntityType == classify.Unknown {
			d.deps.Errors.RecordPermanentFailure(r.Err, path)
			continue
		}

		if !d.deps.Errors.ShouldRetry(r.Err, path) {
			d.deps.Errors.RecordPermanentFailure(r.Err, path)
			continue
		}

		delay := d.deps.Errors.BackoffDelay(path)
		d.deps.Errors.RecordRetry(path)
		d.retries = append(d.retries, pendingRetry{event: r.Event, due: now.Add(delay)})
		d.config.Logger.Printf("Retrying %s in %s: %v", path, delay, r.Err)
	}
}

// sweepLoop reports orphans older than OrphanTimeout. It never changes the
// pending set.
func (d *Daemon) sweepLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.sweepTicker.C:
			d.mu.Lock()
			timeout := d.config.OrphanTimeout
			d.mu.Unlock()

			if expired := d.deps.Orphans.CheckTimeouts(timeout); len(expired) > 0 {
				d.config.Logger.Printf("%d orphans older than %s", len(expired), timeout)
			}
		}
	}
}

// QueueStats describes the priority queue.
type QueueStats struct {
	Size     int `json:"size" yaml:"size"`
	Evicted  int `json:"evicted" yaml:"evicted"`
	Retained int `json:"retained" yaml:"retained"`
	Dropped  int `json:"dropped" yaml:"dropped"`
}

// Snapshot is a point-in-time view of the daemon.
type Snapshot struct {
	Time                time.Time       `json:"time" yaml:"time"`
	WatchDir            string          `json:"watch_dir" yaml:"watch_dir"`
	Running             bool            `json:"running" yaml:"running"`
	ProcessingInterval  string          `json:"processing_interval" yaml:"processing_interval"`
	OrphanCheckInterval string          `json:"orphan_check_interval" yaml:"orphan_check_interval"`
	BatchSize           int             `json:"batch_size" yaml:"batch_size"`
	Queue               QueueStats      `json:"queue" yaml:"queue"`
	PendingRetries      int             `json:"pending_retries" yaml:"pending_retries"`
	Processing          processor.Stats `json:"processing" yaml:"processing"`
	Orphans             orphan.Stats    `json:"orphans" yaml:"orphans"`
	Errors              retry.Stats     `json:"errors" yaml:"errors"`
	Datastore           schema.Counts   `json:"datastore" yaml:"datastore"`
	DatastoreError      string          `json:"datastore_error,omitempty" yaml:"datastore_error,omitempty"`
}

// Summary renders the snapshot as one log line.
func (s Snapshot) Summary() string {
	return fmt.Sprintf("queue=%d evicted=%d retries=%d processed=%d ok=%d orphaned=%d failed=%d resolved=%d pending_orphans=%d grids=%d squares=%d holes=%d micrographs=%d",
		s.Queue.Size, s.Queue.Evicted, s.PendingRetries,
		s.Processing.TotalProcessed, s.Processing.Successful, s.Processing.Orphaned,
		s.Processing.Failed, s.Processing.OrphansResolved, s.Orphans.TotalPending,
		s.Datastore.Grids, s.Datastore.GridSquares, s.Datastore.FoilHoles, s.Datastore.Micrographs)
}

// Snapshot returns the current status. It is safe to call from any
// goroutine.
func (d *Daemon) Snapshot() Snapshot {
	d.mu.Lock()
	snap := Snapshot{
		Time:                time.Now(),
		WatchDir:            d.config.WatchDir,
		Running:             d.running,
		ProcessingInterval:  d.config.ProcessingInterval.String(),
		OrphanCheckInterval: d.config.OrphanCheckInterval.String(),
		BatchSize:           d.config.BatchSize,
		PendingRetries:      d.retryCount,
		Processing:          d.totals,
		Errors:              d.errStats,
	}
	d.mu.Unlock()

	q := d.deps.Queue
	snap.Queue = QueueStats{
		Size:     q.Size(),
		Evicted:  q.EvictedCount(),
		Retained: q.RetainedCount(),
		Dropped:  q.DroppedCount(),
	}
	snap.Orphans = d.deps.Orphans.Stats()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	counts, err := d.deps.Store.Counts(ctx)
	if err != nil {
		snap.DatastoreError = err.Error()
	}
	snap.Datastore = counts
	return snap
}
