// Package mbtiles writes tiles into an MBTiles archive: a single SQLite file
// with a metadata(name, value) table and a tiles(zoom_level, tile_column,
// tile_row, tile_data) table unique on its coordinate key.
//
// Input tiles are addressed in the XYZ convention; stored rows use the
// inverted TMS convention. The flip happens exactly once, at write time.
package mbtiles

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/mapforge/tilefetch/internal/telemetry"
	"github.com/mapforge/tilefetch/internal/tiles"
)

// Metadata is the archive's key/value metadata block, written once at
// creation and never mutated afterward.
type Metadata struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Attribution string `mapstructure:"attribution"`
	Version     string `mapstructure:"version"`
	Format      string `mapstructure:"format"`
	Type        string `mapstructure:"type"`
	Bounds      string `mapstructure:"bounds"`
	MinZoom     int    `mapstructure:"min_zoom"`
	MaxZoom     int    `mapstructure:"max_zoom"`
}

const generatorTag = "tilefetch"

// Writer is a scoped handle on one archive file. Create it, write tiles,
// then Finalize and Close; Close is safe on every exit path.
type Writer struct {
	db     *sql.DB
	path   string
	name   string
	logger *zap.Logger
}

// FlipRow converts an XYZ row to the stored TMS row (and back; the mapping
// is its own inverse).
func FlipRow(zoom, row int) int {
	return (1 << uint(zoom)) - 1 - row
}

// Create builds a fresh archive at path with schema and metadata. An
// existing file at that path is deleted first.
func Create(path string, meta Metadata, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove existing archive: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	w := &Writer{db: db, path: path, name: meta.Name, logger: logger}
	if err := w.init(meta); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("created archive", zap.String("path", path), zap.String("name", meta.Name))
	return w, nil
}

func (w *Writer) init(meta Metadata) error {
	ctx := context.Background()
	stmts := []string{
		`PRAGMA busy_timeout=5000`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE metadata (name text, value text)`,
		`CREATE TABLE tiles (
			zoom_level integer,
			tile_column integer,
			tile_row integer,
			tile_data blob
		)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	}
	for _, stmt := range stmts {
		if _, err := w.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return w.writeMetadata(ctx, meta)
}

func (w *Writer) writeMetadata(ctx context.Context, meta Metadata) error {
	entries := [][2]string{
		{"name", meta.Name},
		{"description", meta.Description},
		{"attribution", meta.Attribution},
		{"version", meta.Version},
		{"format", meta.Format},
		{"type", meta.Type},
		{"bounds", meta.Bounds},
		{"minzoom", strconv.Itoa(meta.MinZoom)},
		{"maxzoom", strconv.Itoa(meta.MaxZoom)},
		{"generator", generatorTag},
	}
	for _, e := range entries {
		if _, err := w.db.ExecContext(ctx,
			`INSERT INTO metadata (name, value) VALUES (?, ?)`, e[0], e[1]); err != nil {
			return fmt.Errorf("write metadata %q: %w", e[0], err)
		}
	}
	return nil
}

// PutTile upserts one tile addressed in XYZ coordinates. Writing the same
// key twice replaces the bytes; no duplicate rows are produced.
func (w *Writer) PutTile(ctx context.Context, idx tiles.Index, data []byte) error {
	stored := FlipRow(idx.Zoom, idx.Row)
	_, err := w.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data)
		 VALUES (?, ?, ?, ?)`,
		idx.Zoom, idx.Col, stored, data,
	)
	if err != nil {
		return fmt.Errorf("put tile z=%d x=%d y=%d: %w", idx.Zoom, idx.Col, idx.Row, err)
	}
	telemetry.CountArchiveTile(w.name)
	return nil
}

// ImportDir bulk-imports a staged tree organized as zoom/column/row.<ext>.
// Unreadable files and malformed names are logged and skipped; they do not
// abort the rest of the batch. It returns the number of tiles imported.
func (w *Writer) ImportDir(ctx context.Context, dir, format string) (int, error) {
	zoomDirs, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read staging dir: %w", err)
	}

	imported := 0
	for _, zd := range zoomDirs {
		if !zd.IsDir() {
			continue
		}
		zoom, err := strconv.Atoi(zd.Name())
		if err != nil {
			w.logger.Warn("skipping non-numeric zoom directory", zap.String("dir", zd.Name()))
			continue
		}
		n, err := w.importZoomDir(ctx, filepath.Join(dir, zd.Name()), zoom, format)
		if err != nil {
			return imported, err
		}
		imported += n
	}
	w.logger.Info("imported staged tiles", zap.String("dir", dir), zap.Int("count", imported))
	return imported, nil
}

func (w *Writer) importZoomDir(ctx context.Context, zoomPath string, zoom int, format string) (int, error) {
	colDirs, err := os.ReadDir(zoomPath)
	if err != nil {
		w.logger.Warn("skipping unreadable zoom directory", zap.String("dir", zoomPath), zap.Error(err))
		return 0, nil
	}

	suffix := "." + strings.TrimPrefix(format, ".")
	imported := 0
	for _, cd := range colDirs {
		if !cd.IsDir() {
			continue
		}
		col, err := strconv.Atoi(cd.Name())
		if err != nil {
			w.logger.Warn("skipping non-numeric column directory", zap.String("dir", cd.Name()))
			continue
		}
		colPath := filepath.Join(zoomPath, cd.Name())
		rowFiles, err := os.ReadDir(colPath)
		if err != nil {
			w.logger.Warn("skipping unreadable column directory", zap.String("dir", colPath), zap.Error(err))
			continue
		}
		for _, rf := range rowFiles {
			if rf.IsDir() || !strings.HasSuffix(rf.Name(), suffix) {
				continue
			}
			row, err := strconv.Atoi(strings.TrimSuffix(rf.Name(), suffix))
			if err != nil {
				w.logger.Warn("skipping malformed tile filename", zap.String("file", rf.Name()))
				continue
			}
			tilePath := filepath.Join(colPath, rf.Name())
			data, err := os.ReadFile(tilePath)
			if err != nil {
				w.logger.Warn("skipping unreadable tile", zap.String("file", tilePath), zap.Error(err))
				continue
			}
			if err := w.PutTile(ctx, tiles.Index{Zoom: zoom, Col: col, Row: row}, data); err != nil {
				return imported, err
			}
			imported++
		}
	}
	return imported, nil
}

// Finalize compacts the archive and normalizes the file layout for read
// efficiency.
func (w *Writer) Finalize(ctx context.Context) error {
	if _, err := w.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum archive: %w", err)
	}
	w.logger.Info("finalized archive", zap.String("path", w.path))
	return nil
}

// Close releases the archive handle. It is idempotent.
func (w *Writer) Close() error {
	if w.db == nil {
		return nil
	}
	db := w.db
	w.db = nil
	if err := db.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	return nil
}

// Path returns the archive file location.
func (w *Writer) Path() string { return w.path }
