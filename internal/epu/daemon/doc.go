// Package daemon provides the acquisition watcher that turns EPU output into
// stored entities.
//
// # Architecture
//
// The daemon runs three goroutines that share the priority queue, the
// orphan manager and the datastore:
//
//   - Listener: a recursive FileWatcher feeds classified events into the queue
//   - Processing loop: every ProcessingInterval, drains up to BatchSize events
//     through the processor and routes failures through the retry handler
//   - Orphan sweep: every OrphanCheckInterval, reports orphans older than
//     OrphanTimeout without removing them
//
// Only the processing loop writes to the datastore and touches the retry
// handler. The queue and the orphan manager are internally locked.
//
// # File Watching
//
// FileWatcher wraps fsnotify and watches a whole directory tree:
//
//	fw, err := daemon.NewFileWatcher(daemon.DefaultPatterns)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer fw.Stop()
//
//	if err := fw.Start("/data/epu/session-42", true); err != nil {
//	    log.Fatal(err)
//	}
//
//	for event := range fw.Events() {
//	    fmt.Printf("%s: %s\n", event.Op, event.Path)
//	}
//
// The watcher automatically:
//   - Adds directories created after Start and replays the files already in them
//   - Filters files through the glob allowlist ("**" spans directories)
//   - Ignores directories, removals, renames and permission changes
//   - Closes Events() and Errors() on Stop
//
// # Failure Routing
//
// After each batch, failed events are passed to the retry handler. Transient
// failures are rescheduled after an exponential backoff and re-enter the queue
// once due. Permanent failures, exhausted retries and unclassifiable paths are
// recorded as permanent and dropped. Orphaned events are not failures.
//
// # Administration
//
// HandleInstruction accepts a small closed set of commands:
//
//	status
//	config.update processing_interval=500ms orphan_check_interval=30s batch_size=100 orphan_timeout=10m
//	datastore.info
//
// Interval changes take effect on the running tickers immediately.
//
// # Graceful Shutdown
//
// Cancel the context passed to Start, or call Stop. Loops exit at their next
// iteration boundary, so a batch in flight always completes. Stop waits at
// most ShutdownTimeout for the loops and reports an error if they overrun.
package daemon
