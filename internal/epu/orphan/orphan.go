// Package orphan holds entities whose parent has not been stored yet and
// releases them when the parent appears.
//
// Orphans are never discarded by age. CheckTimeouts only reports long
// waiting orphans, once per orphan until it is resolved.
package orphan

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
)

// ActiveGrid is the parent natural id used by entities that depend on the
// single active grid rather than on a specific parent.
const ActiveGrid = "*"

// parentTypes maps each dependent entity type to the type it waits on.
var parentTypes = map[classify.EntityType]classify.EntityType{
	classify.Atlas:      classify.Grid,
	classify.GridSquare: classify.Grid,
	classify.FoilHole:   classify.GridSquare,
	classify.Micrograph: classify.FoilHole,
}

// ParentType returns the entity type that t depends on.
func ParentType(t classify.EntityType) (classify.EntityType, bool) {
	p, ok := parentTypes[t]
	return p, ok
}

// Entity is a parsed entity waiting for its parent.
type Entity struct {
	EntityType classify.EntityType
	// Data is the parser output for the file, handed back unchanged on
	// resolution.
	Data            any
	ParentType      classify.EntityType
	ParentNaturalID string
	FilePath        string
	FirstSeen       time.Time
}

// Age returns how long the orphan has been waiting.
func (e Entity) Age(now time.Time) time.Duration {
	return now.Sub(e.FirstSeen)
}

type key struct {
	parentType classify.EntityType
	parentID   string
}

// Stats is a snapshot of orphan bookkeeping.
type Stats struct {
	TotalPending int            `json:"total_pending" yaml:"total_pending"`
	ByEntityType map[string]int `json:"by_entity_type" yaml:"by_entity_type"`
	Resolved     int            `json:"resolved" yaml:"resolved"`
	TimedOut     int            `json:"timed_out" yaml:"timed_out"`
	DeadLetters  int            `json:"dead_letters" yaml:"dead_letters"`
}

// Config holds orphan manager configuration.
type Config struct {
	// Timeout is the age after which CheckTimeouts reports an orphan.
	Timeout time.Duration

	// Logger for orphan activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 5 * time.Minute,
		Logger:  log.New(os.Stderr, "[orphan] ", log.LstdFlags),
	}
}

// Manager stores orphans keyed by (parent type, parent natural id).
// It is safe for concurrent use.
type Manager struct {
	config *Config
	now    func() time.Time

	mu          sync.Mutex
	pending     map[key][]Entity
	warned      map[string]struct{}
	deadLetters []Entity
	resolved    int
	timedOut    int
}

// New creates an empty manager. A nil config uses DefaultConfig.
func New(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[orphan] ", log.LstdFlags)
	}
	return &Manager{
		config:  config,
		now:     time.Now,
		pending: make(map[key][]Entity),
		warned:  make(map[string]struct{}),
	}
}

// Register stores an entity until its parent appears. Registering a path
// that is already waiting under the same parent replaces its payload.
// Entity types without a parent are kept on the dead-letter list instead.
func (m *Manager) Register(data any, entityType classify.EntityType, parentNaturalID, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entity := Entity{
		EntityType:      entityType,
		Data:            data,
		ParentNaturalID: parentNaturalID,
		FilePath:        path,
		FirstSeen:       m.now(),
	}

	parentType, ok := parentTypes[entityType]
	if !ok {
		m.config.Logger.Printf("No parent type for %s, moving %s to dead letters", entityType, path)
		m.deadLetters = append(m.deadLetters, entity)
		return
	}
	entity.ParentType = parentType

	k := key{parentType: parentType, parentID: parentNaturalID}
	for i, e := range m.pending[k] {
		if e.FilePath == path {
			// Rewritten while waiting: keep the newest payload and the
			// original wait start.
			entity.FirstSeen = e.FirstSeen
			m.pending[k][i] = entity
			return
		}
	}
	m.pending[k] = append(m.pending[k], entity)
	m.config.Logger.Printf("Orphaned %s %s waiting for %s %s", entityType, path, parentType, parentNaturalID)
}

// ResolveFor removes and returns every orphan waiting on the given parent.
func (m *Manager) ResolveFor(parentType classify.EntityType, parentNaturalID string) []Entity {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{parentType: parentType, parentID: parentNaturalID}
	entities, ok := m.pending[k]
	if !ok {
		return nil
	}
	delete(m.pending, k)

	m.resolved += len(entities)
	for _, e := range entities {
		delete(m.warned, e.FilePath)
	}
	m.config.Logger.Printf("Resolved %d orphans waiting for %s %s", len(entities), parentType, parentNaturalID)
	return entities
}

// CheckTimeouts returns every pending orphan older than maxAge without
// removing it. A non-positive maxAge uses the configured timeout. The
// warning and the timed-out counter fire once per orphan until resolved.
func (m *Manager) CheckTimeouts(maxAge time.Duration) []Entity {
	if maxAge <= 0 {
		maxAge = m.config.Timeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []Entity
	for _, entities := range m.pending {
		for _, e := range entities {
			if e.Age(now) <= maxAge {
				continue
			}
			expired = append(expired, e)
			if _, seen := m.warned[e.FilePath]; seen {
				continue
			}
			m.warned[e.FilePath] = struct{}{}
			m.timedOut++
			m.config.Logger.Printf("Orphan %s %s still waiting for %s %s after %s",
				e.EntityType, e.FilePath, e.ParentType, e.ParentNaturalID, e.Age(now).Round(time.Second))
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].FirstSeen.Before(expired[j].FirstSeen)
	})
	return expired
}

// Pending returns how many orphans wait on the given parent.
func (m *Manager) Pending(parentType classify.EntityType, parentNaturalID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[key{parentType: parentType, parentID: parentNaturalID}])
}

// DeadLetters returns a copy of the registrations that had no parent type.
func (m *Manager) DeadLetters() []Entity {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entity, len(m.deadLetters))
	copy(out, m.deadLetters)
	return out
}

// Stats returns a snapshot of orphan bookkeeping.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		ByEntityType: make(map[string]int),
		Resolved:     m.resolved,
		TimedOut:     m.timedOut,
		DeadLetters:  len(m.deadLetters),
	}
	for _, entities := range m.pending {
		stats.TotalPending += len(entities)
		for _, e := range entities {
			stats.ByEntityType[e.EntityType.String()]++
		}
	}
	return stats
}
