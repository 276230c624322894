package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Minimal EPU-shaped manifest documents. They are used by tests, the load
// generator and `epuwatch loadtest --on-disk` to lay out a synthetic session.

const dcNamespace = `xmlns="http://schemas.datacontract.org/2004/07/Applications.Epu.Persistence"`

// SessionXML renders an EpuSession.dm document.
func SessionXML(name string, start time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<EpuSessionXml %s>
  <Name>%s</Name>
  <StartDateTime>%s</StartDateTime>
</EpuSessionXml>
`, dcNamespace, name, start.UTC().Format(time.RFC3339Nano))
}

// AtlasXML renders an Atlas.dm document with the given number of tiles.
func AtlasXML(name string, tiles int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<?xml version=\"1.0\" encoding=\"utf-8\"?>\n<AtlasSessionXml %s>\n  <Atlas>\n    <Name>%s</Name>\n    <Tiles>\n", dcNamespace, name)
	for i := range tiles {
		fmt.Fprintf(&b, "      <TileXml><Id>%d</Id></TileXml>\n", i)
	}
	b.WriteString("    </Tiles>\n  </Atlas>\n</AtlasSessionXml>\n")
	return b.String()
}

// GridSquareXML renders a grid square metadata or image manifest.
func GridSquareXML(x, y, defocus, magnification float64) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<GridSquareXml %s>
  <Stage><Position><X>%g</X><Y>%g</Y></Position></Stage>
  <Optics><Defocus>%g</Defocus><NominalMagnification>%g</NominalMagnification></Optics>
</GridSquareXml>
`, dcNamespace, x, y, defocus, magnification)
}

// FoilHoleXML renders a FoilHoles/FoilHole_*.xml manifest.
func FoilHoleXML(x, y, diameter float64) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<MicroscopeImage %s>
  <microscopeData><stage><Position><X>%g</X><Y>%g</Y></Position></stage></microscopeData>
  <Diameter>%g</Diameter>
</MicroscopeImage>
`, dcNamespace, x, y, diameter)
}

// MicrographXML renders a Data/FoilHole_*_Data_*.xml manifest.
func MicrographXML(defocus, exposure float64, acquired time.Time) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<MicroscopeImage %s>
  <microscopeData>
    <optics><Defocus>%g</Defocus></optics>
    <acquisition><ExposureTime>%g</ExposureTime><acquisitionDateTime>%s</acquisitionDateTime></acquisition>
  </microscopeData>
</MicroscopeImage>
`, dcNamespace, defocus, exposure, acquired.UTC().Format(time.RFC3339Nano))
}

// WriteManifest writes content to path, creating parent directories.
func WriteManifest(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}
