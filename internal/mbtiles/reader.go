// Package mbtiles reads and writes MBTiles tile databases.
package mbtiles

import (
	"bytes"
	"compress/gzip"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrTileNotFound reports a tile absent from the database.
var ErrTileNotFound = errors.New("tile not found")

// Metadata holds the subset of the MBTiles metadata table this server reads
// and writes.
type Metadata struct {
	Name    string
	Format  string // tile payload type, "pbf" for vector pyramids
	Bounds  [4]float64
	MinZoom int
	MaxZoom int
}

// ToMap flattens the metadata for table insertion; zero values are omitted.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)
	if m.Name != "" {
		result["name"] = m.Name
	}
	if m.Format != "" {
		result["format"] = m.Format
	}
	if m.MinZoom > 0 {
		result["minzoom"] = strconv.Itoa(m.MinZoom)
	}
	if m.MaxZoom > 0 {
		result["maxzoom"] = strconv.Itoa(m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = fmt.Sprintf("%.6f,%.6f,%.6f,%.6f",
			m.Bounds[0], m.Bounds[1], m.Bounds[2], m.Bounds[3])
	}
	return result
}

// DefaultTileCacheSize bounds the per-reader decoded tile cache.
const DefaultTileCacheSize = 1024

// Reader reads tiles from an MBTiles database. Recently read tiles are kept
// in an in-process LRU so hot tiles skip SQLite entirely.
type Reader struct {
	db    *sql.DB
	path  string
	tiles *lru.Cache[tileKey, []byte]
}

type tileKey struct{ z, x, y int }

// OpenReader opens an MBTiles database for reading with the given tile cache
// size; sizes below 1 fall back to DefaultTileCacheSize.
func OpenReader(path string, cacheSize int) (*Reader, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("open mbtiles %s: %w", path, err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("verify mbtiles schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("%s: no tiles table", path)
	}

	if cacheSize < 1 {
		cacheSize = DefaultTileCacheSize
	}
	tiles, err := lru.New[tileKey, []byte](cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Reader{db: db, path: path, tiles: tiles}, nil
}

// ReadTile returns the tile bytes for XYZ coordinates, decompressed when the
// row is gzip-wrapped (vector tiles always are; raster tiles may be stored
// raw). Missing tiles report ErrTileNotFound.
func (r *Reader) ReadTile(z, x, y int) ([]byte, error) {
	key := tileKey{z, x, y}
	if data, ok := r.tiles.Get(key); ok {
		return data, nil
	}

	// Convert XYZ to the TMS row scheme MBTiles stores.
	tmsY := (1 << z) - 1 - y

	var stored []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsY,
	).Scan(&stored)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%d/%d/%d: %w", z, x, y, ErrTileNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query tile %d/%d/%d: %w", z, x, y, err)
	}

	data := stored
	if len(stored) > 2 && stored[0] == 0x1f && stored[1] == 0x8b {
		data, err = gzipDecompress(stored)
		if err != nil {
			return nil, fmt.Errorf("decompress tile %d/%d/%d: %w", z, x, y, err)
		}
	}

	r.tiles.Add(key, data)
	return data, nil
}

// Metadata reads the metadata table.
func (r *Reader) Metadata() (Metadata, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return Metadata{}, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	metaMap := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return Metadata{}, fmt.Errorf("scan metadata row: %w", err)
		}
		metaMap[name] = value
	}
	if err := rows.Err(); err != nil {
		return Metadata{}, fmt.Errorf("iterate metadata: %w", err)
	}

	meta := Metadata{
		Name:   metaMap["name"],
		Format: metaMap["format"],
	}
	if v, ok := metaMap["minzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MinZoom = i
		}
	}
	if v, ok := metaMap["maxzoom"]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			meta.MaxZoom = i
		}
	}

	// bounds: "minLon,minLat,maxLon,maxLat"
	if v, ok := metaMap["bounds"]; ok {
		parts := strings.Split(v, ",")
		if len(parts) == 4 {
			for i, part := range parts {
				if f, err := strconv.ParseFloat(strings.TrimSpace(part), 64); err == nil {
					meta.Bounds[i] = f
				}
			}
		}
	}

	return meta, nil
}

// Path returns the backing database path.
func (r *Reader) Path() string { return r.path }

// Close closes the database connection.
func (r *Reader) Close() error {
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Pool keeps one Reader per database path so request handlers share SQLite
// connections and tile caches. Evicted readers are closed.
type Pool struct {
	mu        sync.Mutex
	readers   *lru.Cache[string, *Reader]
	tileCache int
}

// NewPool builds a pool holding up to maxOpen readers, each with the given
// tile cache size.
func NewPool(maxOpen, tileCacheSize int) (*Pool, error) {
	if maxOpen < 1 {
		maxOpen = 16
	}
	readers, err := lru.NewWithEvict[string, *Reader](maxOpen, func(_ string, r *Reader) {
		r.Close()
	})
	if err != nil {
		return nil, err
	}
	return &Pool{readers: readers, tileCache: tileCacheSize}, nil
}

// Get returns the pooled reader for path, opening it on first use.
func (p *Pool) Get(path string) (*Reader, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.readers.Get(path); ok {
		return r, nil
	}
	r, err := OpenReader(path, p.tileCache)
	if err != nil {
		return nil, err
	}
	p.readers.Add(path, r)
	return r, nil
}

// Close drops and closes every pooled reader.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers.Purge()
}

// gzipDecompress decompresses gzip data.
func gzipDecompress(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
