// Package classify maps EPU output paths to entity types, natural ids and
// processing priorities.
//
// Classification is a pure function of the path: it never touches the
// filesystem and is safe to call from any goroutine.
package classify

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// EntityType is the kind of acquisition entity a file describes.
type EntityType int

const (
	// Unknown is any path that matches none of the EPU layout patterns.
	Unknown EntityType = iota
	// Grid is the acquisition root (EpuSession.dm).
	Grid
	// Atlas is the low-magnification overview of a grid.
	Atlas
	// GridSquare is a sub-region of the grid.
	GridSquare
	// FoilHole is a sub-region of a grid square.
	FoilHole
	// Micrograph is a single exposure taken in a foil hole.
	Micrograph
)

// UnknownPriority is the priority assigned to unclassifiable paths.
const UnknownPriority = 999

// String returns the lower-case name of the entity type.
func (t EntityType) String() string {
	switch t {
	case Grid:
		return "grid"
	case Atlas:
		return "atlas"
	case GridSquare:
		return "gridsquare"
	case FoilHole:
		return "foilhole"
	case Micrograph:
		return "micrograph"
	default:
		return "unknown"
	}
}

// Priority returns the fixed processing priority; lower is processed first.
func (t EntityType) Priority() int {
	switch t {
	case Grid:
		return 0
	case Atlas:
		return 1
	case GridSquare:
		return 2
	case FoilHole:
		return 3
	case Micrograph:
		return 4
	default:
		return UnknownPriority
	}
}

// EventType is the kind of filesystem change that produced an event.
type EventType string

const (
	EventCreated  EventType = "created"
	EventModified EventType = "modified"
	EventDeleted  EventType = "deleted"
	EventMoved    EventType = "moved"
)

// ClassifiedEvent is an immutable, classified filesystem notification.
type ClassifiedEvent struct {
	EntityType EntityType
	FilePath   string
	// NaturalID is the filesystem-derived id. For micrographs it holds the
	// parent foil hole's id, not the micrograph's own id.
	NaturalID string
	Priority  int
	Timestamp time.Time
	EventType EventType

	// seq is assigned by the queue to keep equal (priority, timestamp)
	// pairs in arrival order.
	seq uint64
}

// HasNaturalID reports whether the classifier extracted an id from the path.
func (e ClassifiedEvent) HasNaturalID() bool {
	return e.NaturalID != ""
}

// ParentNaturalID returns the natural id of the entity this event's entity
// depends on. Grid, Atlas and GridSquare depend on the single active grid and
// report false.
func (e ClassifiedEvent) ParentNaturalID() (string, bool) {
	switch e.EntityType {
	case Micrograph:
		return e.NaturalID, e.NaturalID != ""
	case FoilHole:
		return ExtractParentNaturalID(e.FilePath, FoilHole)
	default:
		return "", false
	}
}

// WithSeq returns a copy of e carrying the given tie-break sequence number.
func (e ClassifiedEvent) WithSeq(seq uint64) ClassifiedEvent {
	e.seq = seq
	return e
}

// Seq returns the tie-break sequence number assigned by the queue.
func (e ClassifiedEvent) Seq() uint64 {
	return e.seq
}

// String renders the event for logs.
func (e ClassifiedEvent) String() string {
	if e.NaturalID == "" {
		return fmt.Sprintf("%s %s (%s)", e.EventType, e.EntityType, e.FilePath)
	}
	return fmt.Sprintf("%s %s %s (%s)", e.EventType, e.EntityType, e.NaturalID, e.FilePath)
}

// Less orders events by priority, then timestamp, then arrival sequence.
func Less(a, b ClassifiedEvent) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.seq < b.seq
}

var (
	sessionPattern        = regexp.MustCompile(`(^|/)EpuSession\.dm$`)
	atlasPattern          = regexp.MustCompile(`(^|/)Sample\d*/Atlas/Atlas\.dm$`)
	gridSquareMetaPattern = regexp.MustCompile(`(^|/)Metadata/GridSquare_(\d+)\.dm$`)
	gridSquareXMLPattern  = regexp.MustCompile(`(^|/)GridSquare_\d+/GridSquare_[\d_]+\.xml$`)
	foilHolePattern       = regexp.MustCompile(`(^|/)FoilHoles/FoilHole_(\d+)_[\d_]+\.xml$`)
	micrographPattern     = regexp.MustCompile(`(^|/)Data/FoilHole_(\d+)_Data_[\d_]+\.xml$`)
	gridSquareDirPattern  = regexp.MustCompile(`(^|/)GridSquare_(\d+)/`)
)

// Classify maps a path to its entity type, natural id and priority.
// The first matching rule wins.
func Classify(p string, eventType EventType, ts time.Time) ClassifiedEvent {
	norm := normalize(p)
	ev := ClassifiedEvent{
		FilePath:  p,
		Timestamp: ts,
		EventType: eventType,
	}

	switch {
	case sessionPattern.MatchString(norm):
		ev.EntityType = Grid
	case atlasPattern.MatchString(norm):
		ev.EntityType = Atlas
	case gridSquareMetaPattern.MatchString(norm):
		ev.EntityType = GridSquare
		ev.NaturalID = gridSquareMetaPattern.FindStringSubmatch(norm)[2]
	case gridSquareXMLPattern.MatchString(norm):
		ev.EntityType = GridSquare
	case foilHolePattern.MatchString(norm):
		ev.EntityType = FoilHole
		ev.NaturalID = foilHolePattern.FindStringSubmatch(norm)[2]
	case micrographPattern.MatchString(norm):
		ev.EntityType = Micrograph
		ev.NaturalID = micrographPattern.FindStringSubmatch(norm)[2]
	default:
		ev.EntityType = Unknown
	}

	ev.Priority = ev.EntityType.Priority()
	return ev
}

// ExtractParentNaturalID recovers the enclosing GridSquare_<id> directory for
// foil holes and micrographs. Other entity types depend only on the active
// grid and return false.
func ExtractParentNaturalID(p string, t EntityType) (string, bool) {
	if t != FoilHole && t != Micrograph {
		return "", false
	}
	return GridSquareDirID(p)
}

// GridSquareDirID returns the id of the innermost GridSquare_<id> directory
// in the path.
func GridSquareDirID(p string) (string, bool) {
	matches := gridSquareDirPattern.FindAllStringSubmatch(normalize(p), -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][2], true
}

// MicrographID returns a micrograph's own id, the file stem after the
// "FoilHole_<id>_Data_" prefix.
func MicrographID(p string) string {
	stem := strings.TrimSuffix(path.Base(normalize(p)), ".xml")
	if i := strings.Index(stem, "_Data_"); i >= 0 {
		return stem[i+len("_Data_"):]
	}
	return stem
}

func normalize(p string) string {
	return strings.ReplaceAll(filepath.ToSlash(p), `\`, "/")
}
