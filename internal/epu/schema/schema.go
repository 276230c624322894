// Package schema provides the acquisition records produced from EPU manifest
// files: Grid, Atlas, GridSquare, FoilHole and Micrograph.
//
// Records carry both the filesystem-derived natural id and, once stored, the
// persistent UUID assigned by the datastore. Parent links always use the
// parent's UUID.
package schema

import (
	"fmt"
	"time"
)

// Grid is one loaded sample, the root of the acquisition hierarchy.
type Grid struct {
	UUID             string    `json:"uuid"`
	Name             string    `json:"name"`
	SessionPath      string    `json:"session_path"`
	AcquisitionStart time.Time `json:"acquisition_start,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Validate checks if the Grid has valid field values.
func (g *Grid) Validate() error {
	if g.SessionPath == "" {
		return fmt.Errorf("session_path is required")
	}
	return nil
}

// Atlas is the low-magnification overview of a grid.
type Atlas struct {
	UUID      string    `json:"uuid"`
	GridUUID  string    `json:"grid_uuid"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	TileCount int       `json:"tile_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the Atlas has valid field values.
func (a *Atlas) Validate() error {
	if a.Path == "" {
		return fmt.Errorf("path is required")
	}
	if a.GridUUID == "" {
		return fmt.Errorf("grid_uuid is required")
	}
	return nil
}

// GridSquare is a region of the grid targeted for high-magnification imaging.
type GridSquare struct {
	UUID          string    `json:"uuid"`
	GridUUID      string    `json:"grid_uuid"`
	NaturalID     string    `json:"natural_id"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Defocus       float64   `json:"defocus"`
	Magnification float64   `json:"magnification"`
	ManifestPath  string    `json:"manifest_path,omitempty"`
	MetadataPath  string    `json:"metadata_path,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks if the GridSquare has valid field values.
func (gs *GridSquare) Validate() error {
	if gs.NaturalID == "" {
		return fmt.Errorf("natural_id is required")
	}
	if gs.GridUUID == "" {
		return fmt.Errorf("grid_uuid is required")
	}
	return nil
}

// FoilHole is a hole in a grid square's support film where exposures are taken.
type FoilHole struct {
	UUID                string    `json:"uuid"`
	GridSquareUUID      string    `json:"gridsquare_uuid"`
	NaturalID           string    `json:"natural_id"`
	GridSquareNaturalID string    `json:"gridsquare_natural_id"`
	X                   float64   `json:"x"`
	Y                   float64   `json:"y"`
	Diameter            float64   `json:"diameter"`
	ManifestPath        string    `json:"manifest_path"`
	CreatedAt           time.Time `json:"created_at"`
}

// Validate checks if the FoilHole has valid field values.
func (fh *FoilHole) Validate() error {
	if fh.NaturalID == "" {
		return fmt.Errorf("natural_id is required")
	}
	if fh.GridSquareUUID == "" {
		return fmt.Errorf("gridsquare_uuid is required")
	}
	return nil
}

// Micrograph is a single exposure.
type Micrograph struct {
	UUID              string    `json:"uuid"`
	FoilHoleUUID      string    `json:"foilhole_uuid"`
	NaturalID         string    `json:"natural_id"`
	FoilHoleNaturalID string    `json:"foilhole_natural_id"`
	Defocus           float64   `json:"defocus"`
	ExposureTime      float64   `json:"exposure_time"`
	AcquiredAt        time.Time `json:"acquired_at,omitempty"`
	ManifestPath      string    `json:"manifest_path"`
	CreatedAt         time.Time `json:"created_at"`
}

// Validate checks if the Micrograph has valid field values.
func (m *Micrograph) Validate() error {
	if m.NaturalID == "" {
		return fmt.Errorf("natural_id is required")
	}
	if m.FoilHoleUUID == "" {
		return fmt.Errorf("foilhole_uuid is required")
	}
	return nil
}

// Counts summarizes how many entities of each kind are stored.
type Counts struct {
	Grids       int `json:"grids" yaml:"grids"`
	Atlases     int `json:"atlases" yaml:"atlases"`
	GridSquares int `json:"gridsquares" yaml:"gridsquares"`
	FoilHoles   int `json:"foilholes" yaml:"foilholes"`
	Micrographs int `json:"micrographs" yaml:"micrographs"`
}
