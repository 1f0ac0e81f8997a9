package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DefaultBatchSize is the number of buffered tiles before an automatic flush.
const DefaultBatchSize = 100

type pendingTile struct {
	data []byte
	z    int
	x    int
	y    int
}

// Writer writes tiles to an MBTiles database. Tiles are buffered and flushed
// in batched transactions; payloads are gzip-wrapped the way ReadTile expects.
type Writer struct {
	db        *sql.DB
	path      string
	batch     []pendingTile
	batchSize int
	mu        sync.Mutex
}

// New creates the database at path if needed, initialises the MBTiles schema
// and replaces the metadata table with meta.
func New(path string, meta Metadata) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mbtiles %s: %w", path, err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS metadata (name TEXT NOT NULL, value TEXT);
		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if err := writeMetadata(db, meta); err != nil {
		db.Close()
		return nil, err
	}

	return &Writer{
		db:        db,
		path:      path,
		batch:     make([]pendingTile, 0, DefaultBatchSize),
		batchSize: DefaultBatchSize,
	}, nil
}

func writeMetadata(db *sql.DB, meta Metadata) error {
	if _, err := db.Exec("DELETE FROM metadata"); err != nil {
		return fmt.Errorf("clear metadata: %w", err)
	}
	stmt, err := db.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("prepare metadata insert: %w", err)
	}
	defer stmt.Close()

	for key, value := range meta.ToMap() {
		if _, err := stmt.Exec(key, value); err != nil {
			return fmt.Errorf("insert metadata %q: %w", key, err)
		}
	}
	return nil
}

// WriteTile buffers a tile addressed in XYZ. A full batch is flushed
// automatically.
func (w *Writer) WriteTile(z, x, y int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.batch = append(w.batch, pendingTile{data: data, z: z, x: x, y: y})
	if len(w.batch) >= w.batchSize {
		return w.flushLocked()
	}
	return nil
}

// Flush writes any buffered tiles to the database.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if len(w.batch) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare tile insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range w.batch {
		// Rows are stored in the TMS row scheme.
		tmsY := (1 << t.z) - 1 - t.y

		compressed, err := gzipCompress(t.data)
		if err != nil {
			return fmt.Errorf("compress tile %d/%d/%d: %w", t.z, t.x, t.y, err)
		}
		if _, err := stmt.Exec(t.z, t.x, tmsY, compressed); err != nil {
			return fmt.Errorf("insert tile %d/%d/%d: %w", t.z, t.x, t.y, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tiles: %w", err)
	}
	w.batch = w.batch[:0]
	return nil
}

// Close flushes remaining tiles and closes the database.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.db.Close()
		return err
	}
	return w.db.Close()
}

func gzipCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
