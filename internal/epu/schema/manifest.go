package schema

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/smartem/epuwatch/internal/epu/classify"
)

// ErrInvalidPath is returned when a manifest's location does not fit the EPU
// directory layout for its entity type. The path itself is left out of the
// message so the error categorizes as corrupt rather than as a parse error.
var ErrInvalidPath = errors.New("invalid EPU path")

// ManifestParser reads EPU .dm and .xml manifests into records.
//
// EPU serializes its manifests as namespaced DataContract XML whose layout
// shifts between software versions, so the parser does not bind to a fixed
// document structure. It streams tokens and keeps the first text value of
// each element it cares about, matching local names case-insensitively.
type ManifestParser struct{}

// NewManifestParser returns a parser for EPU manifests.
func NewManifestParser() *ManifestParser {
	return &ManifestParser{}
}

// ParseSession reads EpuSession.dm.
func (p *ManifestParser) ParseSession(path string) (*Grid, error) {
	f, err := scanManifest(path, "name", "startdatetime")
	if err != nil {
		return nil, err
	}
	name := f.text("name")
	if name == "" {
		name = filepath.Base(filepath.Dir(path))
	}
	return &Grid{
		Name:             name,
		SessionPath:      path,
		AcquisitionStart: f.timestamp("startdatetime"),
	}, nil
}

// ParseAtlas reads Sample*/Atlas/Atlas.dm.
func (p *ManifestParser) ParseAtlas(path string) (*Atlas, error) {
	f, err := scanManifest(path, "name", "tilexml")
	if err != nil {
		return nil, err
	}
	return &Atlas{
		Name:      f.text("name"),
		Path:      path,
		TileCount: f.counts["tilexml"],
	}, nil
}

// ParseGridSquare reads either Metadata/GridSquare_<id>.dm or an image
// directory GridSquare_*.xml manifest.
func (p *ManifestParser) ParseGridSquare(path string) (*GridSquare, error) {
	f, err := scanManifest(path, "x", "y", "defocus", "nominalmagnification", "magnification")
	if err != nil {
		return nil, err
	}

	gs := &GridSquare{
		X:       f.float("x"),
		Y:       f.float("y"),
		Defocus: f.float("defocus"),
	}
	gs.Magnification = f.float("nominalmagnification")
	if gs.Magnification == 0 {
		gs.Magnification = f.float("magnification")
	}

	ev := classify.Classify(path, classify.EventModified, time.Time{})
	if ev.HasNaturalID() {
		gs.NaturalID = ev.NaturalID
		gs.MetadataPath = path
	} else if id, ok := classify.GridSquareDirID(path); ok {
		gs.NaturalID = id
		gs.ManifestPath = path
	}
	if gs.NaturalID == "" {
		return nil, fmt.Errorf("grid square: %w: no GridSquare id", ErrInvalidPath)
	}
	return gs, nil
}

// ParseFoilHole reads GridSquare_*/FoilHoles/FoilHole_<id>_*.xml.
func (p *ManifestParser) ParseFoilHole(path string) (*FoilHole, error) {
	f, err := scanManifest(path, "x", "y", "diameter")
	if err != nil {
		return nil, err
	}

	ev := classify.Classify(path, classify.EventModified, time.Time{})
	if ev.EntityType != classify.FoilHole {
		return nil, fmt.Errorf("foil hole: %w", ErrInvalidPath)
	}
	gsID, _ := classify.ExtractParentNaturalID(path, classify.FoilHole)

	return &FoilHole{
		NaturalID:           ev.NaturalID,
		GridSquareNaturalID: gsID,
		X:                   f.float("x"),
		Y:                   f.float("y"),
		Diameter:            f.float("diameter"),
		ManifestPath:        path,
	}, nil
}

// ParseMicrograph reads GridSquare_*/Data/FoilHole_<id>_Data_*.xml.
func (p *ManifestParser) ParseMicrograph(path string) (*Micrograph, error) {
	f, err := scanManifest(path, "defocus", "exposuretime", "acquisitiondatetime")
	if err != nil {
		return nil, err
	}

	ev := classify.Classify(path, classify.EventModified, time.Time{})
	if ev.EntityType != classify.Micrograph {
		return nil, fmt.Errorf("micrograph: %w", ErrInvalidPath)
	}

	return &Micrograph{
		NaturalID:         classify.MicrographID(path),
		FoilHoleNaturalID: ev.NaturalID,
		Defocus:           f.float("defocus"),
		ExposureTime:      f.float("exposuretime"),
		AcquiredAt:        f.timestamp("acquisitiondatetime"),
		ManifestPath:      path,
	}, nil
}

// manifestFields holds the values collected from one manifest.
type manifestFields struct {
	values map[string]string
	counts map[string]int
}

func (f *manifestFields) text(name string) string {
	return f.values[name]
}

func (f *manifestFields) float(name string) float64 {
	v, err := strconv.ParseFloat(f.values[name], 64)
	if err != nil {
		return 0
	}
	return v
}

func (f *manifestFields) timestamp(name string) time.Time {
	v := f.values[name]
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// scanManifest streams an XML manifest and records the first non-empty text
// of each wanted element plus how often each wanted element occurs.
func scanManifest(path string, wanted ...string) (*manifestFields, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer file.Close()

	return decodeManifest(file, path, wanted...)
}

func decodeManifest(r io.Reader, path string, wanted ...string) (*manifestFields, error) {
	want := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		want[w] = true
	}

	f := &manifestFields{
		values: make(map[string]string),
		counts: make(map[string]int),
	}

	dec := xml.NewDecoder(r)
	var stack []string
	sawElement := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed xml in %s: %w", path, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			name := strings.ToLower(t.Name.Local)
			stack = append(stack, name)
			if want[name] {
				f.counts[name]++
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) == 0 {
				continue
			}
			name := stack[len(stack)-1]
			if !want[name] {
				continue
			}
			if _, seen := f.values[name]; seen {
				continue
			}
			if v := strings.TrimSpace(string(t)); v != "" {
				f.values[name] = v
			}
		}
	}

	if !sawElement {
		return nil, fmt.Errorf("malformed xml in %s: empty document", path)
	}
	return f, nil
}
