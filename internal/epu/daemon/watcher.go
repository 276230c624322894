package daemon

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/smartem/epuwatch/internal/epu/classify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created or found by a scan.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was written.
	OpModify
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// EventType maps the operation onto the classifier's event type.
func (op EventOp) EventType() classify.EventType {
	if op == OpModify {
		return classify.EventModified
	}
	return classify.EventCreated
}

// FileEvent is a change to a file under the watched root.
type FileEvent struct {
	// Path is the path of the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
	// Time is when the watcher observed the change.
	Time time.Time
}

// DefaultPatterns admits every EPU manifest type.
var DefaultPatterns = []string{"**/*.dm", "**/*.xml"}

// FileWatcher watches a directory tree for manifest changes.
//
// Every directory below the root is watched; directories created later are
// added as they appear and the files already inside them are replayed as
// creates, since they may have been written before the watch was in place.
// Removals, renames and permission changes are not reported.
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	patterns []string
	events   chan FileEvent
	errors   chan error
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	root     string
}

// ValidatePattern reports whether p is a well-formed watch glob.
func ValidatePattern(p string) error {
	if _, err := filepath.Match(strings.ReplaceAll(p, "**", "*"), ""); err != nil {
		return fmt.Errorf("invalid watch pattern %q: %w", p, err)
	}
	return nil
}

// NewFileWatcher creates a watcher admitting paths that match any of the
// given globs. Globs are relative to the watched root, use '/' separators,
// and may use "**" as a segment matching any number of directories. An empty
// list admits every file. The watcher must be started with Start() before
// it emits events.
func NewFileWatcher(patterns []string) (*FileWatcher, error) {
	for _, p := range patterns {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher:  watcher,
		patterns: patterns,
		events:   make(chan FileEvent, 1024),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching root recursively. With initialScan set, files that
// already exist are emitted as creates, so a restart picks up a session in
// progress.
func (fw *FileWatcher) Start(root string, initialScan bool) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat watch directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", root)
	}
	fw.root = filepath.Clean(root)

	if err := fw.addTree(fw.root); err != nil {
		return err
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	if initialScan {
		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()
			fw.replay(fw.root)
		}()
	}

	return nil
}

// Stop stops watching and closes the Events and Errors channels. It blocks
// until the watcher goroutines have exited. A watcher that was never started
// only releases its fsnotify handle and cannot be started afterwards.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return fw.watcher.Close()
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	if err := fw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents converts fsnotify events until the watcher is stopped.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	for {
		select {
		case <-fw.done:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handle(event)

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.sendError(err)
		}
	}
}

// handle turns one fsnotify event into zero or more FileEvents.
func (fw *FileWatcher) handle(event fsnotify.Event) {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	default:
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Gone again before we looked; nothing to report.
		return
	}

	if info.IsDir() {
		if op != OpCreate {
			return
		}
		if err := fw.addTree(event.Name); err != nil {
			fw.sendError(err)
		}
		fw.replay(event.Name)
		return
	}

	if fw.Matches(event.Name) {
		fw.send(FileEvent{Path: event.Name, Op: op, Time: time.Now()})
	}
}

// addTree adds dir and every directory below it to the fsnotify watch list.
func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("failed to walk %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

// replay emits a create for every matching file below dir.
func (fw *FileWatcher) replay(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if !fw.Matches(path) {
			return nil
		}
		if !fw.send(FileEvent{Path: path, Op: OpCreate, Time: time.Now()}) {
			return fs.SkipAll
		}
		return nil
	})
}

// send delivers ev unless the watcher is stopping.
func (fw *FileWatcher) send(ev FileEvent) bool {
	select {
	case fw.events <- ev:
		return true
	case <-fw.done:
		return false
	}
}

func (fw *FileWatcher) sendError(err error) {
	select {
	case fw.errors <- err:
	case <-fw.done:
	}
}

// Matches reports whether path is admitted by the pattern allowlist.
func (fw *FileWatcher) Matches(path string) bool {
	if len(fw.patterns) == 0 {
		return true
	}
	rel, err := filepath.Rel(fw.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, p := range fw.patterns {
		if MatchGlob(p, rel) {
			return true
		}
	}
	return false
}

// MatchGlob matches a slash-separated relative path against a glob. Each
// segment is matched with filepath.Match; a "**" segment matches zero or
// more whole segments.
func MatchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(rel, "/"))
}

func matchSegments(pattern, parts []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pattern[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		ok, err := filepath.Match(pattern[0], parts[0])
		if err != nil || !ok {
			return false
		}
		pattern, parts = pattern[1:], parts[1:]
	}
	return len(parts) == 0
}
