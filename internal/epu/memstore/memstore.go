// Package memstore is an in-memory datastore for acquisition entities. It
// backs `epuwatch watch --store=memory`, the load generator and tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/smartem/epuwatch/internal/epu/schema"
)

// Store keeps entities in maps keyed by natural id. It is safe for
// concurrent use.
type Store struct {
	mu          sync.RWMutex
	grids       map[string]*schema.Grid // by session path
	activeGrid  *schema.Grid
	atlases     map[string]*schema.Atlas // by path
	gridSquares map[string]*schema.GridSquare
	foilHoles   map[string]*schema.FoilHole
	micrographs map[string]*schema.Micrograph
	now         func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		grids:       make(map[string]*schema.Grid),
		atlases:     make(map[string]*schema.Atlas),
		gridSquares: make(map[string]*schema.GridSquare),
		foilHoles:   make(map[string]*schema.FoilHole),
		micrographs: make(map[string]*schema.Micrograph),
		now:         time.Now,
	}
}

// stamp fills UUID and CreatedAt from an existing record or fresh values.
func (s *Store) stamp(existingUUID string, existingCreated time.Time, id *string, created *time.Time) {
	switch {
	case existingUUID != "":
		*id = existingUUID
		*created = existingCreated
	case *id == "":
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = s.now()
	}
}

// CreateGrid stores grid and makes it the active grid. A second call for the
// same session path updates the stored grid.
func (s *Store) CreateGrid(ctx context.Context, grid *schema.Grid) error {
	if err := grid.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevUUID string
	var prevCreated time.Time
	if prev, ok := s.grids[grid.SessionPath]; ok {
		prevUUID, prevCreated = prev.UUID, prev.CreatedAt
	}
	s.stamp(prevUUID, prevCreated, &grid.UUID, &grid.CreatedAt)

	stored := *grid
	s.grids[grid.SessionPath] = &stored
	s.activeGrid = &stored
	return nil
}

// ActiveGrid returns the most recently created grid, or nil.
func (s *Store) ActiveGrid(ctx context.Context) (*schema.Grid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeGrid == nil {
		return nil, nil
	}
	g := *s.activeGrid
	return &g, nil
}

// CreateAtlas stores atlas keyed by its path.
func (s *Store) CreateAtlas(ctx context.Context, atlas *schema.Atlas) error {
	if err := atlas.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevUUID string
	var prevCreated time.Time
	if prev, ok := s.atlases[atlas.Path]; ok {
		prevUUID, prevCreated = prev.UUID, prev.CreatedAt
	}
	s.stamp(prevUUID, prevCreated, &atlas.UUID, &atlas.CreatedAt)

	stored := *atlas
	s.atlases[atlas.Path] = &stored
	return nil
}

// CreateGridSquare upserts gs by natural id. Paths already known are kept
// when the update does not carry them, so the .dm metadata and the image
// manifest merge into one record.
func (s *Store) CreateGridSquare(ctx context.Context, gs *schema.GridSquare) error {
	if err := gs.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevUUID string
	var prevCreated time.Time
	if prev, ok := s.gridSquares[gs.NaturalID]; ok {
		prevUUID, prevCreated = prev.UUID, prev.CreatedAt
		if gs.ManifestPath == "" {
			gs.ManifestPath = prev.ManifestPath
		}
		if gs.MetadataPath == "" {
			gs.MetadataPath = prev.MetadataPath
		}
	}
	s.stamp(prevUUID, prevCreated, &gs.UUID, &gs.CreatedAt)

	stored := *gs
	s.gridSquares[gs.NaturalID] = &stored
	return nil
}

// CreateFoilHole upserts fh by natural id.
func (s *Store) CreateFoilHole(ctx context.Context, fh *schema.FoilHole) error {
	if err := fh.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevUUID string
	var prevCreated time.Time
	if prev, ok := s.foilHoles[fh.NaturalID]; ok {
		prevUUID, prevCreated = prev.UUID, prev.CreatedAt
	}
	s.stamp(prevUUID, prevCreated, &fh.UUID, &fh.CreatedAt)

	stored := *fh
	s.foilHoles[fh.NaturalID] = &stored
	return nil
}

// CreateMicrograph upserts m by natural id.
func (s *Store) CreateMicrograph(ctx context.Context, m *schema.Micrograph) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevUUID string
	var prevCreated time.Time
	if prev, ok := s.micrographs[m.NaturalID]; ok {
		prevUUID, prevCreated = prev.UUID, prev.CreatedAt
	}
	s.stamp(prevUUID, prevCreated, &m.UUID, &m.CreatedAt)

	stored := *m
	s.micrographs[m.NaturalID] = &stored
	return nil
}

// FindGridSquareByNaturalID returns the grid square or nil.
func (s *Store) FindGridSquareByNaturalID(ctx context.Context, naturalID string) (*schema.GridSquare, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gs, ok := s.gridSquares[naturalID]
	if !ok {
		return nil, nil
	}
	out := *gs
	return &out, nil
}

// FindFoilHoleByNaturalID returns the foil hole or nil.
func (s *Store) FindFoilHoleByNaturalID(ctx context.Context, naturalID string) (*schema.FoilHole, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fh, ok := s.foilHoles[naturalID]
	if !ok {
		return nil, nil
	}
	out := *fh
	return &out, nil
}

// FindMicrographByNaturalID returns the micrograph or nil.
func (s *Store) FindMicrographByNaturalID(ctx context.Context, naturalID string) (*schema.Micrograph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.micrographs[naturalID]
	if !ok {
		return nil, nil
	}
	out := *m
	return &out, nil
}

// Counts returns how many entities of each kind are stored.
func (s *Store) Counts(ctx context.Context) (schema.Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return schema.Counts{
		Grids:       len(s.grids),
		Atlases:     len(s.atlases),
		GridSquares: len(s.gridSquares),
		FoilHoles:   len(s.foilHoles),
		Micrographs: len(s.micrographs),
	}, nil
}

// Info describes the store for the datastore.info instruction.
func (s *Store) Info() string {
	return "memory"
}
