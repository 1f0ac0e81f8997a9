// Package registry is the persistent catalogue of servable datasets. Records
// live in a single SQLite file; reads go through a TTL-bounded in-memory
// snapshot that is invalidated by every register or scan commit.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/mbtiles"

	_ "modernc.org/sqlite"
)

// Dataset kinds.
const (
	KindENC     = "enc"
	KindCM93    = "cm93"
	KindGeoTIFF = "geotiff"
	KindOSM     = "osm"
)

// cacheTTL bounds how stale the in-memory listing may get between scans.
const cacheTTL = 5 * time.Minute

// osmTileURL is the community raster endpoint used for the synthetic record.
const osmTileURL = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"

// Record is one catalogued dataset.
type Record struct {
	ID        string     `json:"id"`
	Kind      string     `json:"kind"`
	Name      string     `json:"name"`
	BBox      [4]float64 `json:"bbox"`
	MinZoom   int        `json:"minzoom"`
	MaxZoom   int        `json:"maxzoom"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Path      string     `json:"path,omitempty"`
	URL       string     `json:"url,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	ScaleMin  int        `json:"scale_min,omitempty"`
	ScaleMax  int        `json:"scale_max,omitempty"`
	SENCPath  string     `json:"senc_path,omitempty"`
}

// Bounds returns the record extent as a chart bounding box.
func (r Record) Bounds() chart.BBox {
	return chart.BBox{West: r.BBox[0], South: r.BBox[1], East: r.BBox[2], North: r.BBox[3]}
}

// Sidecar is the *.meta.json document written by ingest next to each
// produced artefact.
type Sidecar struct {
	Kind      string     `json:"kind"`
	Name      string     `json:"name"`
	Bounds    [4]float64 `json:"bounds"`
	MinZoom   int        `json:"minzoom"`
	MaxZoom   int        `json:"maxzoom"`
	UpdatedAt string     `json:"updatedAt"`
	Cells     int        `json:"cells,omitempty"`
	SCAMIN    bool       `json:"scamin,omitempty"`
	SHA256    string     `json:"sha256,omitempty"`
	ScaleMin  int        `json:"scale_min,omitempty"`
	ScaleMax  int        `json:"scale_max,omitempty"`
}

// Options tune registry behaviour.
type Options struct {
	// OSMCommunity adds a synthetic OpenStreetMap record on every scan.
	OSMCommunity bool
}

// Registry is safe for concurrent use. One connection serialises writes;
// reads are served from the snapshot.
type Registry struct {
	db   *sql.DB
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	cache   []Record
	cacheAt time.Time

	dirMu    sync.Mutex
	dirCache map[string]dirListing
}

type dirListing struct {
	mtime time.Time
	files []string
}

// Open opens or creates the registry database.
func Open(path string, opts Options, log *slog.Logger) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE IF NOT EXISTS charts (
			id TEXT PRIMARY KEY,
			kind TEXT,
			name TEXT,
			bbox TEXT,
			minzoom INTEGER,
			maxzoom INTEGER,
			updated_at REAL,
			path TEXT,
			url TEXT,
			tags TEXT,
			scale_min INTEGER DEFAULT 0,
			scale_max INTEGER DEFAULT 0,
			senc_path TEXT DEFAULT ''
		)
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	return &Registry{db: db, opts: opts, log: log, dirCache: make(map[string]dirListing)}, nil
}

// Close closes the database.
func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) upsert(rec Record) error {
	bbox, err := json.Marshal(rec.BBox[:])
	if err != nil {
		return err
	}
	var tags interface{}
	if len(rec.Tags) > 0 {
		raw, err := json.Marshal(rec.Tags)
		if err != nil {
			return err
		}
		tags = string(raw)
	}
	_, err = r.db.Exec(
		`REPLACE INTO charts (id,kind,name,bbox,minzoom,maxzoom,updated_at,path,url,tags,scale_min,scale_max,senc_path)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Kind, rec.Name, string(bbox), rec.MinZoom, rec.MaxZoom,
		float64(rec.UpdatedAt.UnixNano())/1e9, rec.Path, rec.URL, tags,
		rec.ScaleMin, rec.ScaleMax, rec.SENCPath,
	)
	if err != nil {
		return fmt.Errorf("upsert chart %s: %w", rec.ID, err)
	}
	r.invalidate()
	return nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.cacheAt = time.Time{}
	r.mu.Unlock()
	r.dirMu.Lock()
	r.dirCache = make(map[string]dirListing)
	r.dirMu.Unlock()
}

func readSidecar(metaPath string) (Sidecar, error) {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar: %w", err)
	}
	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("parse sidecar %s: %w", metaPath, err)
	}
	return sc, nil
}

func idFromMeta(metaPath string) string {
	base := filepath.Base(metaPath)
	base = strings.TrimSuffix(base, ".meta.json")
	base = strings.TrimSuffix(base, ".senc.json")
	base = strings.TrimSuffix(base, ".cog.json")
	base = strings.TrimSuffix(base, ".json")
	return base
}

func (r *Registry) registerFromSidecar(metaPath, artefact, fallbackKind string) error {
	sc, err := readSidecar(metaPath)
	if err != nil {
		return err
	}
	kind := sc.Kind
	if kind == "" {
		kind = fallbackKind
	}
	id := idFromMeta(metaPath)
	name := sc.Name
	if name == "" {
		name = id
	}
	rec := Record{
		ID:        id,
		Kind:      kind,
		Name:      name,
		BBox:      sc.Bounds,
		MinZoom:   sc.MinZoom,
		MaxZoom:   sc.MaxZoom,
		UpdatedAt: time.Now(),
		Path:      artefact,
		ScaleMin:  sc.ScaleMin,
		ScaleMax:  sc.ScaleMax,
	}
	if kind == KindENC || kind == KindCM93 {
		if strings.HasSuffix(artefact, ".senc") {
			rec.SENCPath = artefact
		}
	}
	return r.upsert(rec)
}

// RegisterMBTiles registers a tiled ENC (or CM93-derived) dataset.
func (r *Registry) RegisterMBTiles(metaPath, tilesPath string) error {
	return r.registerFromSidecar(metaPath, tilesPath, KindENC)
}

// RegisterCOG registers a cloud-optimised GeoTIFF.
func (r *Registry) RegisterCOG(metaPath, cogPath string) error {
	return r.registerFromSidecar(metaPath, cogPath, KindGeoTIFF)
}

// RegisterSENC registers an SENC chart cache.
func (r *Registry) RegisterSENC(metaPath, sencPath string) error {
	return r.registerFromSidecar(metaPath, sencPath, KindENC)
}

// RegisterCM93 registers an imported CM93 feature database.
func (r *Registry) RegisterCM93(metaPath, dbPath string) error {
	return r.registerFromSidecar(metaPath, dbPath, KindCM93)
}

// Scan walks the given directories and registers everything it recognises:
// *.meta.json sidecars with their artefact, *.cog.json sidecars, and bare
// *.mbtiles files via their own metadata table. Records are never deleted by
// a scan.
func (r *Registry) Scan(paths ...string) error {
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			continue
		}
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			switch {
			case strings.HasSuffix(path, ".meta.json"):
				artefact := strings.TrimSuffix(path, ".meta.json") + ".mbtiles"
				if _, err := os.Stat(artefact); err != nil {
					return nil
				}
				if err := r.registerFromSidecar(path, artefact, KindENC); err != nil {
					r.log.Warn("scan: sidecar rejected", "path", path, "error", err)
				}
			case strings.HasSuffix(path, ".cog.json"):
				artefact := strings.TrimSuffix(path, ".cog.json") + ".tif"
				if err := r.registerFromSidecar(path, artefact, KindGeoTIFF); err != nil {
					r.log.Warn("scan: cog sidecar rejected", "path", path, "error", err)
				}
			case strings.HasSuffix(path, ".mbtiles"):
				meta := strings.TrimSuffix(path, ".mbtiles") + ".meta.json"
				if _, err := os.Stat(meta); err == nil {
					return nil // handled by the sidecar branch
				}
				if err := r.registerBareMBTiles(path); err != nil {
					r.log.Warn("scan: mbtiles rejected", "path", path, "error", err)
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", root, err)
		}
	}

	if r.opts.OSMCommunity {
		err := r.upsert(Record{
			ID:        "osm",
			Kind:      KindOSM,
			Name:      "OpenStreetMap",
			BBox:      [4]float64{-180, -90, 180, 90},
			MinZoom:   0,
			MaxZoom:   19,
			UpdatedAt: time.Now(),
			URL:       osmTileURL,
		})
		if err != nil {
			return err
		}
	}
	r.invalidate()
	return nil
}

func (r *Registry) registerBareMBTiles(path string) error {
	reader, err := mbtiles.OpenReader(path, 1)
	if err != nil {
		return err
	}
	defer reader.Close()

	meta, err := reader.Metadata()
	if err != nil {
		return err
	}
	id := strings.TrimSuffix(filepath.Base(path), ".mbtiles")
	name := meta.Name
	if name == "" {
		name = id
	}
	return r.upsert(Record{
		ID:        id,
		Kind:      KindENC,
		Name:      name,
		BBox:      meta.Bounds,
		MinZoom:   meta.MinZoom,
		MaxZoom:   meta.MaxZoom,
		UpdatedAt: time.Now(),
		Path:      path,
	})
}

func (r *Registry) snapshot() ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.cacheAt) < cacheTTL && r.cache != nil {
		return r.cache, nil
	}

	rows, err := r.db.Query(
		`SELECT id,kind,name,bbox,minzoom,maxzoom,updated_at,path,url,tags,scale_min,scale_max,senc_path
		 FROM charts ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query charts: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var bbox string
		var tags sql.NullString
		var path, url, senc sql.NullString
		var updated float64
		err := rows.Scan(&rec.ID, &rec.Kind, &rec.Name, &bbox, &rec.MinZoom, &rec.MaxZoom,
			&updated, &path, &url, &tags, &rec.ScaleMin, &rec.ScaleMax, &senc)
		if err != nil {
			return nil, fmt.Errorf("scan chart row: %w", err)
		}
		var coords []float64
		if err := json.Unmarshal([]byte(bbox), &coords); err == nil && len(coords) == 4 {
			copy(rec.BBox[:], coords)
		}
		if tags.Valid && tags.String != "" {
			_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
		}
		rec.UpdatedAt = time.Unix(0, int64(updated*1e9))
		rec.Path = path.String
		rec.URL = url.String
		rec.SENCPath = senc.String
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.cache = records
	r.cacheAt = time.Now()
	return records, nil
}

// List returns a filtered, paginated view ordered by recency. Page numbers
// start at 1; pageSize below 1 falls back to 50.
func (r *Registry) List(kind, q string, page, pageSize int) ([]Record, error) {
	records, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	if kind != "" {
		records = lo.Filter(records, func(rec Record, _ int) bool { return rec.Kind == kind })
	}
	if q != "" {
		needle := strings.ToLower(q)
		records = lo.Filter(records, func(rec Record, _ int) bool {
			return strings.Contains(strings.ToLower(rec.Name), needle)
		})
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	start := (page - 1) * pageSize
	if start >= len(records) {
		return []Record{}, nil
	}
	end := start + pageSize
	if end > len(records) {
		end = len(records)
	}
	return records[start:end], nil
}

// Get returns a single record by id.
func (r *Registry) Get(id string) (Record, bool, error) {
	records, err := r.snapshot()
	if err != nil {
		return Record{}, false, err
	}
	rec, found := lo.Find(records, func(rec Record) bool { return rec.ID == id })
	return rec, found, nil
}

// ListDatasets enumerates dataset artefacts under dir. The listing is cached
// and refreshed only when the directory mtime changes.
func (r *Registry) ListDatasets(dir string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}

	r.dirMu.Lock()
	defer r.dirMu.Unlock()

	if cached, ok := r.dirCache[dir]; ok && cached.mtime.Equal(info.ModTime()) {
		return cached.files, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".mbtiles") || strings.HasSuffix(name, ".tif") ||
			strings.HasSuffix(name, ".senc") || strings.HasSuffix(name, ".db") {
			files = append(files, name)
		}
	}
	r.dirCache[dir] = dirListing{mtime: info.ModTime(), files: files}
	return files, nil
}
