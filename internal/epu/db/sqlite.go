// Package db provides the SQLite datastore for acquisition entities.
//
// The database runs embedded (ncruces/go-sqlite3, no CGo) in WAL mode so the
// dashboard and `epuwatch db summary` can read while the watcher writes.
//
// Architecture:
//   - Tables: grids, atlases, gridsquares, foilholes, micrographs
//   - Parent links use UUIDs; lookups from the watcher use natural ids
//   - Every create is an upsert keyed on the natural id, so a file that is
//     created and then modified yields one row
//   - The active grid is the most recently stored grid
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/smartem/epuwatch/internal/epu/schema"
)

// ErrNotFound is returned by the Get methods when no row matches.
var ErrNotFound = errors.New("not found")

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The caller MUST call Close() when done to ensure the WAL is checkpointed.
//
// Example:
//
//	store, err := db.Open("epuwatch.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	pragmas := []struct{ stmt, what string }{
		{"PRAGMA journal_mode=WAL", "enable WAL mode"},
		{"PRAGMA busy_timeout=5000", "set busy timeout"},
		{"PRAGMA foreign_keys=ON", "enable foreign keys"},
	}
	for _, p := range pragmas {
		if _, err := db.conn.Exec(p.stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.what, err)
		}
	}

	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Info describes the store for the datastore.info instruction.
func (db *DB) Info() string {
	return "sqlite:" + db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. It is idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS grids (
		uuid TEXT PRIMARY KEY,
		session_path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		acquisition_start TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS atlases (
		uuid TEXT PRIMARY KEY,
		grid_uuid TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		tile_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		FOREIGN KEY (grid_uuid) REFERENCES grids(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS gridsquares (
		uuid TEXT PRIMARY KEY,
		grid_uuid TEXT NOT NULL,
		natural_id TEXT NOT NULL UNIQUE,
		x REAL, y REAL, defocus REAL, magnification REAL,
		manifest_path TEXT,
		metadata_path TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (grid_uuid) REFERENCES grids(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS foilholes (
		uuid TEXT PRIMARY KEY,
		gridsquare_uuid TEXT NOT NULL,
		natural_id TEXT NOT NULL UNIQUE,
		gridsquare_natural_id TEXT NOT NULL,
		x REAL, y REAL, diameter REAL,
		manifest_path TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (gridsquare_uuid) REFERENCES gridsquares(uuid) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS micrographs (
		uuid TEXT PRIMARY KEY,
		foilhole_uuid TEXT NOT NULL,
		natural_id TEXT NOT NULL UNIQUE,
		foilhole_natural_id TEXT NOT NULL,
		defocus REAL, exposure_time REAL,
		acquired_at TEXT,
		manifest_path TEXT,
		created_at TEXT NOT NULL,
		FOREIGN KEY (foilhole_uuid) REFERENCES foilholes(uuid) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_grids_created ON grids(created_at);
	CREATE INDEX IF NOT EXISTS idx_gridsquares_grid ON gridsquares(grid_uuid);
	CREATE INDEX IF NOT EXISTS idx_foilholes_gridsquare ON foilholes(gridsquare_uuid);
	CREATE INDEX IF NOT EXISTS idx_micrographs_foilhole ON micrographs(foilhole_uuid);
	CREATE INDEX IF NOT EXISTS idx_micrographs_created ON micrographs(created_at);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// CreateGrid upserts a grid keyed on its session path.
func (db *DB) CreateGrid(ctx context.Context, grid *schema.Grid) error {
	if err := grid.Validate(); err != nil {
		return fmt.Errorf("invalid grid: %w", err)
	}
	stampNew(&grid.UUID, &grid.CreatedAt)

	query := `
	INSERT INTO grids (uuid, session_path, name, acquisition_start, created_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_path) DO UPDATE SET
		name = excluded.name,
		acquisition_start = excluded.acquisition_start
	`
	if _, err := db.conn.ExecContext(ctx, query,
		grid.UUID, grid.SessionPath, grid.Name,
		timeToNullString(grid.AcquisitionStart), formatTime(grid.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to upsert grid %s: %w", grid.SessionPath, err)
	}

	return db.reloadKey(ctx, "grids", "session_path", grid.SessionPath, &grid.UUID, &grid.CreatedAt)
}

// ActiveGrid returns the most recently stored grid, or nil when there is none.
func (db *DB) ActiveGrid(ctx context.Context) (*schema.Grid, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT uuid, session_path, name, acquisition_start, created_at
	FROM grids ORDER BY created_at DESC, rowid DESC LIMIT 1
	`)

	var g schema.Grid
	var start sql.NullString
	var created string
	err := row.Scan(&g.UUID, &g.SessionPath, &g.Name, &start, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active grid: %w", err)
	}
	g.AcquisitionStart = nullStringToTime(start)
	g.CreatedAt = parseTime(created)
	return &g, nil
}

// CreateAtlas upserts an atlas keyed on its path.
func (db *DB) CreateAtlas(ctx context.Context, atlas *schema.Atlas) error {
	if err := atlas.Validate(); err != nil {
		return fmt.Errorf("invalid atlas: %w", err)
	}
	stampNew(&atlas.UUID, &atlas.CreatedAt)

	query := `
	INSERT INTO atlases (uuid, grid_uuid, path, name, tile_count, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(path) DO UPDATE SET
		grid_uuid = excluded.grid_uuid,
		name = excluded.name,
		tile_count = excluded.tile_count
	`
	if _, err := db.conn.ExecContext(ctx, query,
		atlas.UUID, atlas.GridUUID, atlas.Path, atlas.Name, atlas.TileCount, formatTime(atlas.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to upsert atlas %s: %w", atlas.Path, err)
	}

	return db.reloadKey(ctx, "atlases", "path", atlas.Path, &atlas.UUID, &atlas.CreatedAt)
}

// CreateGridSquare upserts a grid square keyed on its natural id. The
// metadata and image manifests of one square merge into a single row.
func (db *DB) CreateGridSquare(ctx context.Context, gs *schema.GridSquare) error {
	if err := gs.Validate(); err != nil {
		return fmt.Errorf("invalid grid square: %w", err)
	}
	stampNew(&gs.UUID, &gs.CreatedAt)

	query := `
	INSERT INTO gridsquares (
		uuid, grid_uuid, natural_id, x, y, defocus, magnification,
		manifest_path, metadata_path, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(natural_id) DO UPDATE SET
		grid_uuid = excluded.grid_uuid,
		x = excluded.x,
		y = excluded.y,
		defocus = excluded.defocus,
		magnification = excluded.magnification,
		manifest_path = COALESCE(excluded.manifest_path, gridsquares.manifest_path),
		metadata_path = COALESCE(excluded.metadata_path, gridsquares.metadata_path)
	`
	if _, err := db.conn.ExecContext(ctx, query,
		gs.UUID, gs.GridUUID, gs.NaturalID, gs.X, gs.Y, gs.Defocus, gs.Magnification,
		emptyToNull(gs.ManifestPath), emptyToNull(gs.MetadataPath), formatTime(gs.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to upsert grid square %s: %w", gs.NaturalID, err)
	}

	return db.reloadKey(ctx, "gridsquares", "natural_id", gs.NaturalID, &gs.UUID, &gs.CreatedAt)
}

// CreateFoilHole upserts a foil hole keyed on its natural id.
func (db *DB) CreateFoilHole(ctx context.Context, fh *schema.FoilHole) error {
	if err := fh.Validate(); err != nil {
		return fmt.Errorf("invalid foil hole: %w", err)
	}
	stampNew(&fh.UUID, &fh.CreatedAt)

	query := `
	INSERT INTO foilholes (
		uuid, gridsquare_uuid, natural_id, gridsquare_natural_id,
		x, y, diameter, manifest_path, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(natural_id) DO UPDATE SET
		gridsquare_uuid = excluded.gridsquare_uuid,
		gridsquare_natural_id = excluded.gridsquare_natural_id,
		x = excluded.x,
		y = excluded.y,
		diameter = excluded.diameter,
		manifest_path = excluded.manifest_path
	`
	if _, err := db.conn.ExecContext(ctx, query,
		fh.UUID, fh.GridSquareUUID, fh.NaturalID, fh.GridSquareNaturalID,
		fh.X, fh.Y, fh.Diameter, fh.ManifestPath, formatTime(fh.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to upsert foil hole %s: %w", fh.NaturalID, err)
	}

	return db.reloadKey(ctx, "foilholes", "natural_id", fh.NaturalID, &fh.UUID, &fh.CreatedAt)
}

// CreateMicrograph upserts a micrograph keyed on its natural id.
func (db *DB) CreateMicrograph(ctx context.Context, m *schema.Micrograph) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("invalid micrograph: %w", err)
	}
	stampNew(&m.UUID, &m.CreatedAt)

	query := `
	INSERT INTO micrographs (
		uuid, foilhole_uuid, natural_id, foilhole_natural_id,
		defocus, exposure_time, acquired_at, manifest_path, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(natural_id) DO UPDATE SET
		foilhole_uuid = excluded.foilhole_uuid,
		defocus = excluded.defocus,
		exposure_time = excluded.exposure_time,
		acquired_at = excluded.acquired_at,
		manifest_path = excluded.manifest_path
	`
	if _, err := db.conn.ExecContext(ctx, query,
		m.UUID, m.FoilHoleUUID, m.NaturalID, m.FoilHoleNaturalID,
		m.Defocus, m.ExposureTime, timeToNullString(m.AcquiredAt), m.ManifestPath, formatTime(m.CreatedAt),
	); err != nil {
		return fmt.Errorf("failed to upsert micrograph %s: %w", m.NaturalID, err)
	}

	return db.reloadKey(ctx, "micrographs", "natural_id", m.NaturalID, &m.UUID, &m.CreatedAt)
}

// GetGridSquare retrieves a grid square by natural id.
// Returns ErrNotFound if there is none.
func (db *DB) GetGridSquare(naturalID string) (*schema.GridSquare, error) {
	return db.GetGridSquareContext(context.Background(), naturalID)
}

// GetGridSquareContext retrieves a grid square with context support.
func (db *DB) GetGridSquareContext(ctx context.Context, naturalID string) (*schema.GridSquare, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT uuid, grid_uuid, natural_id, x, y, defocus, magnification,
	       manifest_path, metadata_path, created_at
	FROM gridsquares WHERE natural_id = ?
	`, naturalID)

	var gs schema.GridSquare
	var manifest, metadata sql.NullString
	var created string
	err := row.Scan(&gs.UUID, &gs.GridUUID, &gs.NaturalID, &gs.X, &gs.Y, &gs.Defocus,
		&gs.Magnification, &manifest, &metadata, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("grid square %s: %w", naturalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query grid square %s: %w", naturalID, err)
	}
	gs.ManifestPath = manifest.String
	gs.MetadataPath = metadata.String
	gs.CreatedAt = parseTime(created)
	return &gs, nil
}

// GetFoilHole retrieves a foil hole by natural id.
// Returns ErrNotFound if there is none.
func (db *DB) GetFoilHole(naturalID string) (*schema.FoilHole, error) {
	return db.GetFoilHoleContext(context.Background(), naturalID)
}

// GetFoilHoleContext retrieves a foil hole with context support.
func (db *DB) GetFoilHoleContext(ctx context.Context, naturalID string) (*schema.FoilHole, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT uuid, gridsquare_uuid, natural_id, gridsquare_natural_id,
	       x, y, diameter, manifest_path, created_at
	FROM foilholes WHERE natural_id = ?
	`, naturalID)

	var fh schema.FoilHole
	var manifest sql.NullString
	var created string
	err := row.Scan(&fh.UUID, &fh.GridSquareUUID, &fh.NaturalID, &fh.GridSquareNaturalID,
		&fh.X, &fh.Y, &fh.Diameter, &manifest, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("foil hole %s: %w", naturalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query foil hole %s: %w", naturalID, err)
	}
	fh.ManifestPath = manifest.String
	fh.CreatedAt = parseTime(created)
	return &fh, nil
}

// FindGridSquareByNaturalID returns the grid square or nil.
func (db *DB) FindGridSquareByNaturalID(ctx context.Context, naturalID string) (*schema.GridSquare, error) {
	gs, err := db.GetGridSquareContext(ctx, naturalID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return gs, err
}

// FindFoilHoleByNaturalID returns the foil hole or nil.
func (db *DB) FindFoilHoleByNaturalID(ctx context.Context, naturalID string) (*schema.FoilHole, error) {
	fh, err := db.GetFoilHoleContext(ctx, naturalID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return fh, err
}

// Counts returns the number of stored entities of each kind.
func (db *DB) Counts(ctx context.Context) (schema.Counts, error) {
	var c schema.Counts
	err := db.conn.QueryRowContext(ctx, `
	SELECT
		(SELECT COUNT(*) FROM grids),
		(SELECT COUNT(*) FROM atlases),
		(SELECT COUNT(*) FROM gridsquares),
		(SELECT COUNT(*) FROM foilholes),
		(SELECT COUNT(*) FROM micrographs)
	`).Scan(&c.Grids, &c.Atlases, &c.GridSquares, &c.FoilHoles, &c.Micrographs)
	if err != nil {
		return schema.Counts{}, fmt.Errorf("failed to count entities: %w", err)
	}
	return c, nil
}

// CountMicrographsSince returns how many micrographs were stored at or after t.
func (db *DB) CountMicrographsSince(ctx context.Context, t time.Time) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM micrographs WHERE created_at >= ?", formatTime(t),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count micrographs: %w", err)
	}
	return count, nil
}

// reloadKey reads back the UUID and created_at of the row with the given
// natural key. After an upsert that hit an existing row these differ from the
// values the caller proposed.
func (db *DB) reloadKey(ctx context.Context, table, column, value string, id *string, created *time.Time) error {
	query := fmt.Sprintf("SELECT uuid, created_at FROM %s WHERE %s = ?", table, column)
	var createdStr string
	if err := db.conn.QueryRowContext(ctx, query, value).Scan(id, &createdStr); err != nil {
		return fmt.Errorf("failed to read back %s row: %w", table, err)
	}
	*created = parseTime(createdStr)
	return nil
}

// stampNew assigns a fresh UUID and creation time where missing.
func stampNew(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = time.Now().UTC()
	}
}

// Timestamps are stored as fixed-width UTC RFC 3339 strings so that text
// comparison orders them chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeToNullString converts a zero time to NULL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func emptyToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
