package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/smartem/epuwatch/internal/epu/processor"
	"github.com/smartem/epuwatch/internal/epu/schema"
)

// DB must satisfy the processor's datastore contract.
var _ processor.Datastore = (*DB)(nil)

// testDB opens a fresh database with the schema applied.
func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

// seedHierarchy stores one grid, grid square "50" and foil hole "777".
func seedHierarchy(t *testing.T, db *DB) (*schema.Grid, *schema.GridSquare, *schema.FoilHole) {
	t.Helper()
	ctx := context.Background()

	grid := &schema.Grid{Name: "grid-1", SessionPath: "/data/EpuSession.dm"}
	if err := db.CreateGrid(ctx, grid); err != nil {
		t.Fatalf("CreateGrid() failed: %v", err)
	}
	gs := &schema.GridSquare{GridUUID: grid.UUID, NaturalID: "50", X: 1, MetadataPath: "/data/Metadata/GridSquare_50.dm"}
	if err := db.CreateGridSquare(ctx, gs); err != nil {
		t.Fatalf("CreateGridSquare() failed: %v", err)
	}
	fh := &schema.FoilHole{GridSquareUUID: gs.UUID, NaturalID: "777", GridSquareNaturalID: "50", Diameter: 1.2}
	if err := db.CreateFoilHole(ctx, fh); err != nil {
		t.Fatalf("CreateFoilHole() failed: %v", err)
	}
	return grid, gs, fh
}

// TestOpen_Success tests database creation in a nested directory
func TestOpen_Success(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "epu.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if db.Info() != "sqlite:"+path {
		t.Errorf("Info() = %q", db.Info())
	}
}

// TestInitSchema_Idempotent tests that all tables exist after repeated init
func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("Second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"grids", "atlases", "gridsquares", "foilholes", "micrographs"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestActiveGrid(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	g, err := db.ActiveGrid(ctx)
	if err != nil || g != nil {
		t.Fatalf("ActiveGrid() on empty db = %v, %v", g, err)
	}

	first := &schema.Grid{Name: "a", SessionPath: "/a/EpuSession.dm", CreatedAt: time.Now().Add(-time.Hour)}
	second := &schema.Grid{Name: "b", SessionPath: "/b/EpuSession.dm"}
	for _, grid := range []*schema.Grid{first, second} {
		if err := db.CreateGrid(ctx, grid); err != nil {
			t.Fatalf("CreateGrid() failed: %v", err)
		}
	}

	g, err = db.ActiveGrid(ctx)
	if err != nil {
		t.Fatalf("ActiveGrid() failed: %v", err)
	}
	if g.UUID != second.UUID {
		t.Errorf("ActiveGrid() = %s, want %s", g.Name, second.Name)
	}
}

// TestUpsert_KeepsUUID tests that a repeated create for the same natural id
// updates in place
func TestUpsert_KeepsUUID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	grid, gs, _ := seedHierarchy(t, db)

	update := &schema.GridSquare{
		GridUUID:     grid.UUID,
		NaturalID:    "50",
		X:            9,
		ManifestPath: "/data/Images-Disc1/GridSquare_50/GridSquare_1.xml",
	}
	if err := db.CreateGridSquare(ctx, update); err != nil {
		t.Fatalf("CreateGridSquare() update failed: %v", err)
	}
	if update.UUID != gs.UUID {
		t.Errorf("UUID changed on upsert: %s -> %s", gs.UUID, update.UUID)
	}

	got, err := db.GetGridSquare("50")
	if err != nil {
		t.Fatalf("GetGridSquare() failed: %v", err)
	}
	if got.X != 9 {
		t.Errorf("X = %v, want 9", got.X)
	}
	if got.MetadataPath == "" || got.ManifestPath == "" {
		t.Errorf("paths not merged: %+v", got)
	}

	counts, _ := db.Counts(ctx)
	if counts.GridSquares != 1 {
		t.Errorf("GridSquares = %d, want 1", counts.GridSquares)
	}
}

func TestGet_NotFound(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if _, err := db.GetFoilHole("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFoilHole() error = %v, want ErrNotFound", err)
	}
	fh, err := db.FindFoilHoleByNaturalID(ctx, "missing")
	if fh != nil || err != nil {
		t.Errorf("FindFoilHoleByNaturalID() = %v, %v; want nil, nil", fh, err)
	}
	gs, err := db.FindGridSquareByNaturalID(ctx, "missing")
	if gs != nil || err != nil {
		t.Errorf("FindGridSquareByNaturalID() = %v, %v; want nil, nil", gs, err)
	}
}

// TestForeignKeys tests that children cannot reference unknown parents
func TestForeignKeys(t *testing.T) {
	db := testDB(t)
	err := db.CreateFoilHole(context.Background(), &schema.FoilHole{
		GridSquareUUID: "does-not-exist", NaturalID: "1", GridSquareNaturalID: "2",
	})
	if err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestCountMicrographsSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, _, fh := seedHierarchy(t, db)

	now := time.Now().UTC()
	micrographs := []*schema.Micrograph{
		{FoilHoleUUID: fh.UUID, NaturalID: "old", FoilHoleNaturalID: "777", CreatedAt: now.Add(-3 * time.Hour)},
		{FoilHoleUUID: fh.UUID, NaturalID: "new1", FoilHoleNaturalID: "777", CreatedAt: now.Add(-time.Minute)},
		{FoilHoleUUID: fh.UUID, NaturalID: "new2", FoilHoleNaturalID: "777", AcquiredAt: now},
	}
	for _, m := range micrographs {
		if err := db.CreateMicrograph(ctx, m); err != nil {
			t.Fatalf("CreateMicrograph(%s) failed: %v", m.NaturalID, err)
		}
	}

	n, err := db.CountMicrographsSince(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CountMicrographsSince() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountMicrographsSince() = %d, want 2", n)
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() failed: %v", err)
	}
	want := schema.Counts{Grids: 1, GridSquares: 1, FoilHoles: 1, Micrographs: 3}
	if counts != want {
		t.Errorf("Counts() = %+v, want %+v", counts, want)
	}
}

func TestCreateAtlas(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	grid, _, _ := seedHierarchy(t, db)

	atlas := &schema.Atlas{GridUUID: grid.UUID, Name: "Atlas_1", Path: "/data/Sample1/Atlas/Atlas.dm", TileCount: 4}
	if err := db.CreateAtlas(ctx, atlas); err != nil {
		t.Fatalf("CreateAtlas() failed: %v", err)
	}
	again := *atlas
	again.UUID = ""
	again.TileCount = 6
	if err := db.CreateAtlas(ctx, &again); err != nil {
		t.Fatalf("CreateAtlas() update failed: %v", err)
	}
	if again.UUID != atlas.UUID {
		t.Errorf("atlas UUID changed: %s -> %s", atlas.UUID, again.UUID)
	}
}

// TestClose_Idempotent tests that Close can be called twice
func TestClose_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "c.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}
}
