package source

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"sync"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb/geojson"

	"github.com/navtile/chartsrv/internal/chart"

	_ "modernc.org/sqlite"
)

const featureSchema = `
	CREATE TABLE IF NOT EXISTS features (
		id INTEGER PRIMARY KEY,
		objl TEXT NOT NULL,
		minzoom INTEGER NOT NULL DEFAULT 0,
		maxzoom INTEGER NOT NULL DEFAULT 16,
		west REAL NOT NULL,
		south REAL NOT NULL,
		east REAL NOT NULL,
		north REAL NOT NULL,
		attrs TEXT NOT NULL,
		geometry TEXT NOT NULL
	);
`

// SQLStore reads imported ENC/CM93 feature sets from SQLite. Row extents are
// held in an in-memory R-tree; geometry and attributes are fetched lazily per
// matching row.
type SQLStore struct {
	db   *sql.DB
	path string

	once    sync.Once
	loadErr error
	tree    *rtreego.Rtree
}

type indexEntry struct {
	id      int64
	objl    string
	minzoom int
	maxzoom int
	rect    rtreego.Rect
}

// Bounds implements rtreego.Spatial.
func (e *indexEntry) Bounds() rtreego.Rect { return e.rect }

// OpenSQLStore opens a feature database produced by the ingest pipeline.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open feature store %s: %w", path, err)
	}
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='features'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: %w: %v", path, ErrCorrupt, err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("%s: no features table: %w", path, ErrCorrupt)
	}
	return &SQLStore{db: db, path: path}, nil
}

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func boundsRect(b chart.BBox) rtreego.Rect {
	// R-tree rectangles need non-zero extents; pad degenerate boxes by
	// roughly ten metres.
	const epsilon = 0.0001
	w := math.Max(b.East-b.West, epsilon)
	h := math.Max(b.North-b.South, epsilon)
	rect, _ := rtreego.NewRect(rtreego.Point{b.West, b.South}, []float64{w, h})
	return rect
}

func (s *SQLStore) load() error {
	s.once.Do(func() {
		rows, err := s.db.Query("SELECT id, objl, minzoom, maxzoom, west, south, east, north FROM features")
		if err != nil {
			s.loadErr = fmt.Errorf("%s: %w: %v", s.path, ErrCorrupt, err)
			return
		}
		defer rows.Close()

		tree := rtreego.NewTree(2, 25, 50)
		for rows.Next() {
			e := &indexEntry{}
			var b chart.BBox
			if err := rows.Scan(&e.id, &e.objl, &e.minzoom, &e.maxzoom, &b.West, &b.South, &b.East, &b.North); err != nil {
				s.loadErr = fmt.Errorf("%s: %w: %v", s.path, ErrCorrupt, err)
				return
			}
			e.rect = boundsRect(b)
			tree.Insert(e)
		}
		if err := rows.Err(); err != nil {
			s.loadErr = fmt.Errorf("%s: %w: %v", s.path, ErrCorrupt, err)
			return
		}
		s.tree = tree
	})
	return s.loadErr
}

// Features implements FeatureSource. The spatial filter runs on the R-tree;
// the zoom filter drops rows outside their stored minzoom/maxzoom window.
func (s *SQLStore) Features(ctx context.Context, bbox chart.BBox, zoom int) iter.Seq2[*chart.Feature, error] {
	return func(yield func(*chart.Feature, error) bool) {
		if err := s.load(); err != nil {
			yield(nil, err)
			return
		}

		matches := s.tree.SearchIntersect(boundsRect(bbox))
		for _, m := range matches {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			e := m.(*indexEntry)
			if zoom < e.minzoom || zoom > e.maxzoom {
				continue
			}
			f, err := s.fetch(ctx, e)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func (s *SQLStore) fetch(ctx context.Context, e *indexEntry) (*chart.Feature, error) {
	var attrsRaw, geomRaw []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT attrs, geometry FROM features WHERE id=?", e.id,
	).Scan(&attrsRaw, &geomRaw)
	if err != nil {
		return nil, fmt.Errorf("feature %d: %w: %v", e.id, ErrCorrupt, err)
	}

	geom, err := geojson.UnmarshalGeometry(geomRaw)
	if err != nil {
		return nil, fmt.Errorf("feature %d geometry: %w: %v", e.id, ErrCorrupt, err)
	}

	var attrs map[string]json.RawMessage
	if err := json.Unmarshal(attrsRaw, &attrs); err != nil {
		return nil, fmt.Errorf("feature %d attrs: %w: %v", e.id, ErrCorrupt, err)
	}

	f := chart.NewFeature(e.objl, geom.Geometry())
	for name, raw := range attrs {
		f.Set(name, decodeValue(raw))
	}
	return f, nil
}

// decodeValue maps a JSON attribute value onto the typed attribute union.
// Unsupported shapes (arrays, objects) become Null and are treated as absent.
func decodeValue(raw json.RawMessage) chart.Value {
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if num == math.Trunc(num) && math.Abs(num) < 1<<53 {
			return chart.Int(int64(num))
		}
		return chart.Num(num)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return chart.Str(str)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return chart.Bool(b)
	}
	return chart.Null()
}

// FeatureWriter populates a feature store during ingest.
type FeatureWriter struct {
	db   *sql.DB
	stmt *sql.Stmt
	tx   *sql.Tx
}

// CreateFeatureStore creates or replaces the features table at path and
// returns a writer appending to it inside one transaction.
func CreateFeatureStore(path string) (*FeatureWriter, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("create feature store %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(featureSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, err
	}
	stmt, err := tx.Prepare(
		"INSERT INTO features (objl, minzoom, maxzoom, west, south, east, north, attrs, geometry) VALUES (?,?,?,?,?,?,?,?,?)")
	if err != nil {
		tx.Rollback()
		db.Close()
		return nil, err
	}
	return &FeatureWriter{db: db, stmt: stmt, tx: tx}, nil
}

// Append writes one feature with its zoom window.
func (w *FeatureWriter) Append(f *chart.Feature, minzoom, maxzoom int) error {
	gj := geojson.NewGeometry(f.Geom)
	geomRaw, err := gj.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal geometry: %w", err)
	}
	attrs := make(map[string]interface{}, len(f.Attrs))
	for name, v := range f.Attrs {
		if iv := v.Interface(); iv != nil {
			attrs[name] = iv
		}
	}
	attrsRaw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("marshal attrs: %w", err)
	}

	b := f.Geom.Bound()
	_, err = w.stmt.Exec(f.OBJL, minzoom, maxzoom,
		b.Min[0], b.Min[1], b.Max[0], b.Max[1],
		string(attrsRaw), string(geomRaw))
	if err != nil {
		return fmt.Errorf("insert feature: %w", err)
	}
	return nil
}

// Close commits the transaction and closes the database.
func (w *FeatureWriter) Close() error {
	w.stmt.Close()
	if err := w.tx.Commit(); err != nil {
		w.db.Close()
		return fmt.Errorf("commit feature store: %w", err)
	}
	return w.db.Close()
}
