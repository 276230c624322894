// Package retry categorizes processing failures and tracks per-path retry
// state with exponential backoff.
//
// A Handler is not synchronized. It is owned by the daemon's processing
// loop and must not be shared with other goroutines.
package retry

import (
	"log"
	"os"
	"strings"
	"time"
)

// Category classifies a failure for retry purposes.
type Category string

const (
	// TransientParser covers parse failures on files that may still be
	// being written, plus permission errors while EPU holds a file open.
	TransientParser Category = "transient_parser"
	// TransientAPI covers datastore or network failures.
	TransientAPI Category = "transient_api"
	// PermanentCorrupt is content that will never parse.
	PermanentCorrupt Category = "permanent_corrupt"
	// PermanentMissing is a file that no longer exists.
	PermanentMissing Category = "permanent_missing"
	// Unknown is anything not matched by the rules above.
	Unknown Category = "unknown"
)

// Categories lists every category in reporting order.
var Categories = []Category{TransientParser, TransientAPI, PermanentCorrupt, PermanentMissing, Unknown}

// IsPermanent reports whether failures in this category are never retried.
func (c Category) IsPermanent() bool {
	return c == PermanentCorrupt || c == PermanentMissing
}

// Record is the retry state of one currently failing path.
type Record struct {
	FilePath     string
	Category     Category
	ErrorMessage string
	FirstSeen    time.Time
	RetryCount   int
	LastRetry    time.Time
}

// Config holds retry limits.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// Logger for retry decisions (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Logger:     log.New(os.Stderr, "[retry] ", log.LstdFlags),
	}
}

// Stats is a snapshot of the handler's error bookkeeping.
type Stats struct {
	ActiveErrors int `json:"active_errors" yaml:"active_errors"`
	// PermanentByCategory counts failures recorded as permanent.
	PermanentByCategory map[Category]int `json:"permanent_by_category" yaml:"permanent_by_category"`
	// ActiveByCategory breaks down the currently failing paths.
	ActiveByCategory map[Category]int `json:"active_by_category" yaml:"active_by_category"`
}

// Handler decides whether failed paths are retried and when.
type Handler struct {
	config    *Config
	records   map[string]*Record
	permanent map[Category]int
	now       func() time.Time
}

// New creates a handler. A nil config uses DefaultConfig.
func New(config *Config) *Handler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[retry] ", log.LstdFlags)
	}
	return &Handler{
		config:    config,
		records:   make(map[string]*Record),
		permanent: make(map[Category]int),
		now:       time.Now,
	}
}

var rules = []struct {
	category Category
	keywords []string
}{
	{TransientParser, []string{"permission", "access denied"}},
	{PermanentMissing, []string{"not found", "no such file"}},
	{TransientParser, []string{"parse", "xml", "malformed"}},
	{TransientAPI, []string{"connection", "timeout", "refused"}},
	{TransientAPI, []string{"http", "api", "request"}},
	{PermanentCorrupt, []string{"corrupt", "invalid"}},
}

// Categorize maps an error to a category by matching its lower-cased
// message against an ordered keyword table. It is deterministic and has no
// side effects.
func (h *Handler) Categorize(err error, path string) Category {
	return Categorize(err)
}

// Categorize is the stateless form of Handler.Categorize.
func Categorize(err error) Category {
	if err == nil {
		return Unknown
	}
	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(msg, kw) {
				return r.category
			}
		}
	}
	return Unknown
}

// ShouldRetry reports whether path may be retried after err. Permanent
// categories are never retried. The first failure of a path creates its
// record and is always allowed; later calls refuse once the recorded retry
// count has reached MaxRetries. Exhaustion is only reported; deciding what
// to do with an exhausted path is up to the caller.
func (h *Handler) ShouldRetry(err error, path string) bool {
	category := h.Categorize(err, path)
	if category.IsPermanent() {
		return false
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}

	rec, ok := h.records[path]
	if !ok {
		h.records[path] = &Record{
			FilePath:     path,
			Category:     category,
			ErrorMessage: msg,
			FirstSeen:    h.now(),
		}
		return true
	}

	rec.Category = category
	rec.ErrorMessage = msg
	if rec.RetryCount >= h.config.MaxRetries {
		h.config.Logger.Printf("Retries exhausted for %s after %d attempts: %s", path, rec.RetryCount, msg)
		return false
	}
	return true
}

// BackoffDelay returns BaseDelay * 2^retryCount for path, capped at MaxDelay.
func (h *Handler) BackoffDelay(path string) time.Duration {
	count := 0
	if rec, ok := h.records[path]; ok {
		count = rec.RetryCount
	}

	delay := h.config.BaseDelay
	for range count {
		delay *= 2
		if delay >= h.config.MaxDelay {
			return h.config.MaxDelay
		}
	}
	return min(delay, h.config.MaxDelay)
}

// RecordRetry increments the retry count of path.
func (h *Handler) RecordRetry(path string) {
	rec, ok := h.records[path]
	if !ok {
		rec = &Record{FilePath: path, Category: Unknown, FirstSeen: h.now()}
		h.records[path] = rec
	}
	rec.RetryCount++
	rec.LastRetry = h.now()
}

// RecordSuccess forgets any failure state for path.
func (h *Handler) RecordSuccess(path string) {
	delete(h.records, path)
}

// RecordPermanentFailure counts err under its category and forgets the
// path's retry state.
func (h *Handler) RecordPermanentFailure(err error, path string) {
	category := h.Categorize(err, path)
	h.permanent[category]++
	delete(h.records, path)
	h.config.Logger.Printf("Permanent failure (%s) for %s: %v", category, path, err)
}

// Record returns a copy of the retry state for path.
func (h *Handler) Record(path string) (Record, bool) {
	rec, ok := h.records[path]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Stats returns a snapshot of the error bookkeeping.
func (h *Handler) Stats() Stats {
	stats := Stats{
		ActiveErrors:        len(h.records),
		PermanentByCategory: make(map[Category]int, len(h.permanent)),
		ActiveByCategory:    make(map[Category]int),
	}
	for c, n := range h.permanent {
		stats.PermanentByCategory[c] = n
	}
	for _, rec := range h.records {
		stats.ActiveByCategory[rec.Category]++
	}
	return stats
}
