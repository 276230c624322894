// Package processor turns classified events into stored acquisition
// entities, parking children whose parent is not known yet and releasing
// them when the parent is stored.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/smartem/epuwatch/internal/epu/classify"
	"github.com/smartem/epuwatch/internal/epu/orphan"
	"github.com/smartem/epuwatch/internal/epu/schema"
)

// ErrUnclassified is the failure reported for events of unknown type.
var ErrUnclassified = errors.New("unclassified path")

// Parser turns manifest files into records. schema.ManifestParser is the
// production implementation.
type Parser interface {
	ParseSession(path string) (*schema.Grid, error)
	ParseAtlas(path string) (*schema.Atlas, error)
	ParseGridSquare(path string) (*schema.GridSquare, error)
	ParseFoilHole(path string) (*schema.FoilHole, error)
	ParseMicrograph(path string) (*schema.Micrograph, error)
}

// Datastore persists entities and maps natural ids to stored records.
//
// Create methods assign a UUID when the record has none and behave as
// upserts keyed on the natural id, so repeated notifications for the same
// file are idempotent. Find methods return (nil, nil) when nothing matches.
type Datastore interface {
	CreateGrid(ctx context.Context, grid *schema.Grid) error
	ActiveGrid(ctx context.Context) (*schema.Grid, error)
	CreateAtlas(ctx context.Context, atlas *schema.Atlas) error
	CreateGridSquare(ctx context.Context, gs *schema.GridSquare) error
	CreateFoilHole(ctx context.Context, fh *schema.FoilHole) error
	CreateMicrograph(ctx context.Context, m *schema.Micrograph) error
	FindGridSquareByNaturalID(ctx context.Context, naturalID string) (*schema.GridSquare, error)
	FindFoilHoleByNaturalID(ctx context.Context, naturalID string) (*schema.FoilHole, error)
}

// Outcome is the result of processing one event.
type Outcome int

const (
	Success Outcome = iota
	Orphaned
	Failed
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Orphaned:
		return "orphaned"
	default:
		return "failed"
	}
}

// Result records what happened to a single event.
type Result struct {
	Event   classify.ClassifiedEvent
	Outcome Outcome
	Err     error
	// Cascaded is set for previously orphaned entities re-dispatched
	// because their parent was stored during this batch.
	Cascaded bool
}

// Stats summarizes one batch. Only events from the batch itself are counted
// in the first four fields; cascaded orphans show up in OrphansResolved.
type Stats struct {
	TotalProcessed  int `json:"total_processed" yaml:"total_processed"`
	Successful      int `json:"successful" yaml:"successful"`
	Orphaned        int `json:"orphaned" yaml:"orphaned"`
	Failed          int `json:"failed" yaml:"failed"`
	OrphansResolved int `json:"orphans_resolved" yaml:"orphans_resolved"`
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.TotalProcessed += other.TotalProcessed
	s.Successful += other.Successful
	s.Orphaned += other.Orphaned
	s.Failed += other.Failed
	s.OrphansResolved += other.OrphansResolved
}

// Processor dispatches events by entity type.
//
// It is not safe for concurrent use; the daemon drives it from a single
// processing loop, which also makes it the only writer of the datastore.
type Processor struct {
	parser  Parser
	store   Datastore
	orphans *orphan.Manager
	logger  *log.Logger
}

// New creates a processor. If logger is nil, a default logger writing to
// stderr is used.
func New(parser Parser, store Datastore, orphans *orphan.Manager, logger *log.Logger) (*Processor, error) {
	if parser == nil {
		return nil, fmt.Errorf("parser cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("datastore cannot be nil")
	}
	if orphans == nil {
		return nil, fmt.Errorf("orphan manager cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[processor] ", log.LstdFlags)
	}
	return &Processor{
		parser:  parser,
		store:   store,
		orphans: orphans,
		logger:  logger,
	}, nil
}

// ProcessBatch processes events in order. A failure in one event never
// stops the rest of the batch.
func (p *Processor) ProcessBatch(ctx context.Context, events []classify.ClassifiedEvent) (Stats, []Result) {
	var stats Stats
	results := make([]Result, 0, len(events))

	for _, ev := range events {
		var batch batchState
		outcome, err := p.process(ctx, ev, nil, &batch)

		stats.TotalProcessed++
		switch outcome {
		case Success:
			stats.Successful++
		case Orphaned:
			stats.Orphaned++
		default:
			stats.Failed++
			p.logger.Printf("Failed to process %s: %v", ev, err)
		}
		stats.OrphansResolved += batch.resolved

		results = append(results, Result{Event: ev, Outcome: outcome, Err: err})
		results = append(results, batch.cascaded...)
	}

	return stats, results
}

// batchState collects cascade results for a single top-level event.
type batchState struct {
	resolved int
	cascaded []Result
}

// process runs dispatch with panic isolation. payload is the parser output
// when the event is a released orphan, or nil to parse from disk.
func (p *Processor) process(ctx context.Context, ev classify.ClassifiedEvent, payload any, batch *batchState) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Failed
			err = fmt.Errorf("panic while processing %s: %v", ev.FilePath, r)
		}
	}()

	if ev.EventType == classify.EventDeleted {
		return Success, nil
	}
	return p.dispatch(ctx, ev, payload, batch)
}

func (p *Processor) dispatch(ctx context.Context, ev classify.ClassifiedEvent, payload any, batch *batchState) (Outcome, error) {
	switch ev.EntityType {
	case classify.Grid:
		return p.handleGrid(ctx, ev, payload, batch)
	case classify.Atlas:
		return p.handleAtlas(ctx, ev, payload)
	case classify.GridSquare:
		return p.handleGridSquare(ctx, ev, payload, batch)
	case classify.FoilHole:
		return p.handleFoilHole(ctx, ev, payload, batch)
	case classify.Micrograph:
		return p.handleMicrograph(ctx, ev, payload)
	case classify.Unknown:
		return Failed, fmt.Errorf("%w: %s", ErrUnclassified, ev.FilePath)
	default:
		return Failed, fmt.Errorf("unsupported entity type %d for %s", ev.EntityType, ev.FilePath)
	}
}

func (p *Processor) handleGrid(ctx context.Context, ev classify.ClassifiedEvent, payload any, batch *batchState) (Outcome, error) {
	grid, err := payloadOr(payload, func() (*schema.Grid, error) { return p.parser.ParseSession(ev.FilePath) })
	if err != nil {
		return Failed, err
	}
	if err := p.store.CreateGrid(ctx, grid); err != nil {
		return Failed, fmt.Errorf("failed to create grid: %w", err)
	}
	p.logger.Printf("Stored grid %s (%s)", grid.Name, grid.UUID)

	p.release(ctx, classify.Grid, orphan.ActiveGrid, batch)
	return Success, nil
}

func (p *Processor) handleAtlas(ctx context.Context, ev classify.ClassifiedEvent, payload any) (Outcome, error) {
	atlas, err := payloadOr(payload, func() (*schema.Atlas, error) { return p.parser.ParseAtlas(ev.FilePath) })
	if err != nil {
		return Failed, err
	}

	grid, err := p.store.ActiveGrid(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to look up active grid: %w", err)
	}
	if grid == nil {
		p.orphans.Register(atlas, classify.Atlas, orphan.ActiveGrid, ev.FilePath)
		return Orphaned, nil
	}

	atlas.GridUUID = grid.UUID
	if err := p.store.CreateAtlas(ctx, atlas); err != nil {
		return Failed, fmt.Errorf("failed to create atlas: %w", err)
	}
	return Success, nil
}

func (p *Processor) handleGridSquare(ctx context.Context, ev classify.ClassifiedEvent, payload any, batch *batchState) (Outcome, error) {
	gs, err := payloadOr(payload, func() (*schema.GridSquare, error) { return p.parser.ParseGridSquare(ev.FilePath) })
	if err != nil {
		return Failed, err
	}
	if gs.NaturalID == "" {
		gs.NaturalID = ev.NaturalID
	}
	if gs.NaturalID == "" {
		if id, ok := classify.GridSquareDirID(ev.FilePath); ok {
			gs.NaturalID = id
		}
	}

	grid, err := p.store.ActiveGrid(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to look up active grid: %w", err)
	}
	if grid == nil {
		p.orphans.Register(gs, classify.GridSquare, orphan.ActiveGrid, ev.FilePath)
		return Orphaned, nil
	}

	gs.GridUUID = grid.UUID
	if err := p.store.CreateGridSquare(ctx, gs); err != nil {
		return Failed, fmt.Errorf("failed to create grid square %s: %w", gs.NaturalID, err)
	}

	p.release(ctx, classify.GridSquare, gs.NaturalID, batch)
	return Success, nil
}

func (p *Processor) handleFoilHole(ctx context.Context, ev classify.ClassifiedEvent, payload any, batch *batchState) (Outcome, error) {
	fh, err := payloadOr(payload, func() (*schema.FoilHole, error) { return p.parser.ParseFoilHole(ev.FilePath) })
	if err != nil {
		return Failed, err
	}
	if fh.NaturalID == "" {
		fh.NaturalID = ev.NaturalID
	}

	parentID := fh.GridSquareNaturalID
	if parentID == "" {
		parentID, _ = ev.ParentNaturalID()
		fh.GridSquareNaturalID = parentID
	}
	if parentID == "" {
		return Failed, fmt.Errorf("foil hole %s: %w: no enclosing GridSquare directory", fh.NaturalID, schema.ErrInvalidPath)
	}

	parent, err := p.store.FindGridSquareByNaturalID(ctx, parentID)
	if err != nil {
		return Failed, fmt.Errorf("failed to look up grid square %s: %w", parentID, err)
	}
	if parent == nil {
		p.orphans.Register(fh, classify.FoilHole, parentID, ev.FilePath)
		return Orphaned, nil
	}

	fh.GridSquareUUID = parent.UUID
	if err := p.store.CreateFoilHole(ctx, fh); err != nil {
		return Failed, fmt.Errorf("failed to create foil hole %s: %w", fh.NaturalID, err)
	}

	p.release(ctx, classify.FoilHole, fh.NaturalID, batch)
	return Success, nil
}

func (p *Processor) handleMicrograph(ctx context.Context, ev classify.ClassifiedEvent, payload any) (Outcome, error) {
	m, err := payloadOr(payload, func() (*schema.Micrograph, error) { return p.parser.ParseMicrograph(ev.FilePath) })
	if err != nil {
		return Failed, err
	}

	parentID := m.FoilHoleNaturalID
	if parentID == "" {
		parentID, _ = ev.ParentNaturalID()
		m.FoilHoleNaturalID = parentID
	}
	if m.NaturalID == "" {
		m.NaturalID = classify.MicrographID(ev.FilePath)
	}

	parent, err := p.store.FindFoilHoleByNaturalID(ctx, parentID)
	if err != nil {
		return Failed, fmt.Errorf("failed to look up foil hole %s: %w", parentID, err)
	}
	if parent == nil {
		p.orphans.Register(m, classify.Micrograph, parentID, ev.FilePath)
		return Orphaned, nil
	}

	m.FoilHoleUUID = parent.UUID
	if err := p.store.CreateMicrograph(ctx, m); err != nil {
		return Failed, fmt.Errorf("failed to create micrograph %s: %w", m.NaturalID, err)
	}
	return Success, nil
}

// release re-dispatches every orphan waiting on the given parent. Released
// entities go through dispatch again, which may release their own children.
func (p *Processor) release(ctx context.Context, parentType classify.EntityType, parentID string, batch *batchState) {
	for _, o := range p.orphans.ResolveFor(parentType, parentID) {
		ev := classify.Classify(o.FilePath, classify.EventModified, o.FirstSeen)
		outcome, err := p.process(ctx, ev, o.Data, batch)

		switch outcome {
		case Success:
			batch.resolved++
		case Failed:
			p.logger.Printf("Failed to process released orphan %s: %v", o.FilePath, err)
		}
		batch.cascaded = append(batch.cascaded, Result{Event: ev, Outcome: outcome, Err: err, Cascaded: true})
	}
}

// payloadOr returns payload as *T when set, otherwise calls parse.
func payloadOr[T any](payload any, parse func() (*T, error)) (*T, error) {
	if payload == nil {
		return parse()
	}
	v, ok := payload.(*T)
	if !ok || v == nil {
		return nil, fmt.Errorf("invalid orphan payload %T", payload)
	}
	return v, nil
}
