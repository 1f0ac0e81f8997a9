// Package render turns a tile request into response bytes. It resolves the
// dataset, runs the S-52 classification pipeline over the feature source,
// encodes the result as MVT or raster, and fronts everything with the
// two-tier response cache.
package render

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"golang.org/x/sync/singleflight"

	"github.com/navtile/chartsrv/internal/cache"
	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
	"github.com/navtile/chartsrv/internal/mbtiles"
	"github.com/navtile/chartsrv/internal/metrics"
	"github.com/navtile/chartsrv/internal/mvt"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/s52"
	"github.com/navtile/chartsrv/internal/scamin"
	"github.com/navtile/chartsrv/internal/source"
	"github.com/navtile/chartsrv/internal/tilemath"
)

// State reports how a response was satisfied relative to the cache.
type State string

const (
	StateHit   State = "hit"
	StateMiss  State = "miss"
	StateStale State = "stale"
)

// Request names one tile.
type Request struct {
	Dataset string
	// Plane selects the CM93 sub-pyramid: "" for the combined tile,
	// "core" for geometry only, "label" for text anchors.
	Plane    string
	Z, X, Y  int
	Format   string // "mvt", "png", "png-mvp" or "webp"
	Contours chart.ContourConfig
}

// RasterSource produces raster tiles from a registered GeoTIFF.
type RasterSource interface {
	Tile(ctx context.Context, rec registry.Record, z, x, y int, format string) ([]byte, error)
}

// NoopRaster stands in when no GeoTIFF renderer is wired up.
type NoopRaster struct{}

func (NoopRaster) Tile(context.Context, registry.Record, int, int, int, string) ([]byte, error) {
	return nil, Errorf(KindUnavailable, "no geotiff renderer configured")
}

// Config wires the renderer's collaborators.
type Config struct {
	Registry *registry.Registry
	Cache    *cache.Cache
	Metrics  *metrics.Metrics
	Dict     *dict.Dict
	Palette  s52.Palette
	Symbols  s52.Atlas
	Pool     *mbtiles.Pool
	GeoTIFF  RasterSource
	// RasterMVP enables drawing features on the png paths; when off those
	// paths serve blank water tiles.
	RasterMVP bool
	// WebP permits image/webp output on the GeoTIFF path.
	WebP bool
	Log  *slog.Logger
}

// Renderer is safe for concurrent use.
type Renderer struct {
	reg     *registry.Registry
	cache   *cache.Cache
	met     *metrics.Metrics
	dict    *dict.Dict
	palette s52.Palette
	symbols s52.Atlas
	pool    *mbtiles.Pool
	geotiff RasterSource
	mvp     bool
	webpOK  bool
	log     *slog.Logger

	sf singleflight.Group

	srcMu   sync.Mutex
	sources map[string]*source.SQLStore
}

// New builds a renderer. A nil GeoTIFF source falls back to NoopRaster.
func New(cfg Config) *Renderer {
	if cfg.GeoTIFF == nil {
		cfg.GeoTIFF = NoopRaster{}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Renderer{
		reg:     cfg.Registry,
		cache:   cfg.Cache,
		met:     cfg.Metrics,
		dict:    cfg.Dict,
		palette: cfg.Palette,
		symbols: cfg.Symbols,
		pool:    cfg.Pool,
		geotiff: cfg.GeoTIFF,
		mvp:     cfg.RasterMVP,
		webpOK:  cfg.WebP,
		log:     cfg.Log,
		sources: make(map[string]*source.SQLStore),
	}
}

// Close releases the lazily opened feature stores.
func (r *Renderer) Close() {
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	for _, s := range r.sources {
		s.Close()
	}
	r.sources = make(map[string]*source.SQLStore)
}

// Render produces the response for a tile request. On a downstream failure a
// previously cached entry is served stale instead of the error.
func (r *Renderer) Render(ctx context.Context, req Request) (cache.Entry, State, error) {
	coords := tilemath.Coords{Z: req.Z, X: req.X, Y: req.Y}
	if !coords.Valid() {
		return cache.Entry{}, "", Errorf(KindInvalidTile, "tile %s out of range", coords)
	}

	rec, err := r.resolve(req.Dataset)
	if err != nil {
		return cache.Entry{}, "", err
	}
	if err := r.validateFormat(rec, req); err != nil {
		return cache.Entry{}, "", err
	}

	key := r.cacheKey(req)
	if entry, ok := r.cache.Get(ctx, key); ok {
		r.met.CacheHits.Inc()
		if rec.Kind == registry.KindGeoTIFF {
			r.met.GeoTIFFHits.Inc()
		}
		return entry, StateHit, nil
	}

	start := time.Now()
	v, err, _ := r.sf.Do(key.String(), func() (interface{}, error) {
		return r.renderTile(ctx, rec, req, coords)
	})
	if err != nil {
		if entry, ok := r.cache.Get(ctx, key); ok {
			r.log.Warn("serving stale tile after render failure",
				"dataset", req.Dataset, "tile", coords, "error", err)
			return entry, StateStale, nil
		}
		return cache.Entry{}, "", err
	}

	data, _ := v.([]byte)
	entry := cache.Entry{
		Bytes:     data,
		ETag:      cache.ETagFor(data),
		MediaType: cache.MediaTypeFor(req.Format),
	}
	r.cache.Put(ctx, key, entry)
	r.met.ObserveTile(kindLabel(rec, req.Plane), time.Since(start).Seconds(), len(data))
	return entry, StateMiss, nil
}

// resolve maps a dataset id to its record. The well-known id "cm93" works
// without registration and falls back to the built-in sample source.
func (r *Renderer) resolve(id string) (registry.Record, error) {
	rec, ok, err := r.reg.Get(id)
	if err != nil {
		return registry.Record{}, Wrap(KindExternal, err, "registry lookup")
	}
	if !ok {
		if id == "cm93" {
			return registry.Record{ID: "cm93", Kind: registry.KindCM93}, nil
		}
		return registry.Record{}, Errorf(KindNotFound, "unknown dataset %q", id)
	}
	return rec, nil
}

func (r *Renderer) validateFormat(rec registry.Record, req Request) error {
	switch rec.Kind {
	case registry.KindENC:
		if req.Format != "mvt" {
			return Errorf(KindUnsupportedFormat, "dataset %s serves mvt only", rec.ID)
		}
	case registry.KindCM93:
		switch req.Format {
		case "mvt", "png", "png-mvp":
		default:
			return Errorf(KindUnsupportedFormat, "format %q not servable for %s", req.Format, rec.ID)
		}
	case registry.KindGeoTIFF:
		switch req.Format {
		case "png":
		case "webp":
			if !r.webpOK {
				return Errorf(KindUnsupportedFormat, "webp output disabled")
			}
		default:
			return Errorf(KindUnsupportedFormat, "format %q not servable for %s", req.Format, rec.ID)
		}
	case registry.KindOSM:
		return Errorf(KindUnsupportedFormat, "dataset %s is served from its remote url", rec.ID)
	}
	return nil
}

// cacheKey folds the plane into the format slot so core and label pyramids
// never collide.
func (r *Renderer) cacheKey(req Request) cache.Key {
	format := req.Format
	if req.Plane != "" {
		format += ":" + req.Plane
	}
	return cache.Key{
		Format:  format,
		Dataset: req.Dataset,
		Z:       req.Z,
		X:       req.X,
		Y:       req.Y,
		Safety:  req.Contours.Safety,
		Shallow: req.Contours.Shallow,
		Deep:    req.Contours.Deep,
	}
}

func kindLabel(rec registry.Record, plane string) string {
	switch {
	case plane == "core":
		return metrics.KindCM93Core
	case plane == "label":
		return metrics.KindCM93Label
	case rec.Kind == registry.KindENC:
		return metrics.KindENC
	case rec.Kind == registry.KindGeoTIFF:
		return metrics.KindGeoTIFF
	default:
		return metrics.KindTile
	}
}

func (r *Renderer) renderTile(ctx context.Context, rec registry.Record, req Request, coords tilemath.Coords) ([]byte, error) {
	switch rec.Kind {
	case registry.KindENC:
		return r.readENCTile(rec, coords)
	case registry.KindGeoTIFF:
		return r.renderGeoTIFF(ctx, rec, req)
	case registry.KindCM93:
		if strings.HasSuffix(rec.Path, ".mbtiles") {
			return r.renderPretiled(rec, req, coords)
		}
		return r.renderVector(ctx, rec, req, coords)
	default:
		return r.renderVector(ctx, rec, req, coords)
	}
}

// renderPretiled serves CM93 datasets that were imported as a finished MBTiles
// pyramid. Labels are baked into the stored tiles, so the label plane is
// empty, and the raster paths fall back to a blank water tile.
func (r *Renderer) renderPretiled(rec registry.Record, req Request, coords tilemath.Coords) ([]byte, error) {
	if req.Plane == "label" {
		return nil, nil
	}
	if req.Format != "mvt" {
		return encodeRaster(blankTile(r.palette), req.Format)
	}
	return r.readENCTile(rec, coords)
}

// readENCTile serves pre-tiled ENC pyramids straight out of MBTiles.
func (r *Renderer) readENCTile(rec registry.Record, coords tilemath.Coords) ([]byte, error) {
	reader, err := r.pool.Get(rec.Path)
	if err != nil {
		return nil, Wrap(KindCorrupt, err, "open tileset "+rec.ID)
	}
	data, err := reader.ReadTile(coords.Z, coords.X, coords.Y)
	if errors.Is(err, mbtiles.ErrTileNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, Wrap(KindCorrupt, err, "read tile "+coords.String())
	}
	return data, nil
}

func (r *Renderer) renderGeoTIFF(ctx context.Context, rec registry.Record, req Request) ([]byte, error) {
	data, err := r.geotiff.Tile(ctx, rec, req.Z, req.X, req.Y, req.Format)
	if err == nil {
		return data, nil
	}
	r.met.GeoTIFFErrors.Inc()
	if KindOf(err) == KindUnavailable {
		return encodeRaster(blankTile(r.palette), req.Format)
	}
	return nil, err
}

// sourceFor opens the record's feature store, or the built-in sample source
// when no store path is registered.
func (r *Renderer) sourceFor(rec registry.Record) (source.FeatureSource, error) {
	if rec.Path == "" {
		return source.Stub{}, nil
	}
	r.srcMu.Lock()
	defer r.srcMu.Unlock()
	if s, ok := r.sources[rec.Path]; ok {
		return s, nil
	}
	s, err := source.OpenSQLStore(rec.Path)
	if err != nil {
		return nil, Wrap(KindCorrupt, err, "open feature store "+rec.ID)
	}
	r.sources[rec.Path] = s
	return s, nil
}

// renderVector runs the full chart pipeline: fetch, zoom gating, S-52
// classification, safety contour finalisation, light expansion, encode.
func (r *Renderer) renderVector(ctx context.Context, rec registry.Record, req Request, coords tilemath.Coords) ([]byte, error) {
	src, err := r.sourceFor(rec)
	if err != nil {
		return nil, err
	}

	cls := s52.NewClassifier(req.Contours, r.palette, r.symbols)
	var core, labels, contours []*chart.Feature

	for f, err := range src.Features(ctx, coords.Bounds(), req.Z) {
		if err != nil {
			switch {
			case errors.Is(err, source.ErrCorrupt):
				return nil, Wrap(KindCorrupt, err, "feature store "+rec.ID)
			case errors.Is(err, source.ErrNotFound):
				return nil, Wrap(KindNotFound, err, "feature store "+rec.ID)
			default:
				return nil, Wrap(KindExternal, err, "feature store "+rec.ID)
			}
		}
		if sc, ok := f.Num("SCAMIN"); ok && !scamin.Visible(sc, req.Z) {
			continue
		}
		cls.Classify(f)

		switch f.OBJL {
		case "DEPCNT":
			contours = append(contours, f)
		case "LIGHTS":
			if pt, ok := f.Geom.(orb.Point); ok {
				labels = append(labels, r.lightLabel(f, pt))
				f.Geom = s52.BuildSectors(pt, f)
			}
		default:
			if name, ok := f.Text("name"); ok {
				labels = append(labels, textLabel(f, name))
			}
		}
		core = append(core, f)
	}
	s52.ApplySafety(contours, s52.FinalizeSafety(contours, req.Contours))

	selected := core
	if req.Plane == "label" {
		selected = labels
	}

	if req.Format == "mvt" {
		if len(selected) == 0 {
			return nil, nil
		}
		data, err := mvt.Encode(req.Z, req.X, req.Y, []mvt.Layer{{Name: "features", Features: selected}})
		if err != nil {
			return nil, Wrap(KindExternal, err, "encode mvt")
		}
		return data, nil
	}

	if !r.mvp {
		return encodeRaster(blankTile(r.palette), req.Format)
	}
	ras := rasterizer{z: req.Z, x: req.X, y: req.Y, colors: r.palette}
	return encodeRaster(ras.render(selected), req.Format)
}

// lightLabel builds the label-plane anchor for a light: its text attribute is
// the CRC code of the light character, resolvable via the dictionary.
func (r *Renderer) lightLabel(f *chart.Feature, pt orb.Point) *chart.Feature {
	code, text := s52.BuildCharacter(f)
	r.dict.AddLight(strconv.FormatUint(uint64(code), 10), text)

	label := chart.NewFeature("LIGHTS", pt)
	label.Set("text", chart.Int(int64(code)))
	return label
}

// textLabel anchors a plain-text label at the feature's centre.
func textLabel(f *chart.Feature, text string) *chart.Feature {
	anchor, ok := f.Geom.(orb.Point)
	if !ok {
		anchor = f.Geom.Bound().Center()
	}
	label := chart.NewFeature(f.OBJL, anchor)
	label.Set("text", chart.Str(text))
	return label
}

// Thumbnail renders a small preview for a registered dataset. Vector chart
// datasets draw their features; everything else gets an extent card.
func (r *Renderer) Thumbnail(ctx context.Context, id string) ([]byte, error) {
	rec, ok, err := r.reg.Get(id)
	if err != nil {
		return nil, Wrap(KindExternal, err, "registry lookup")
	}
	if !ok {
		return nil, Errorf(KindNotFound, "unknown dataset %q", id)
	}
	if rec.Kind != registry.KindCM93 {
		return encodeRaster(extentCard(rec, r.palette), "png")
	}

	z, x, y := thumbnailTile(rec)
	src, err := r.sourceFor(rec)
	if err != nil {
		return nil, err
	}
	cls := s52.NewClassifier(chart.DefaultContours, r.palette, r.symbols)
	var feats []*chart.Feature
	for f, ferr := range src.Features(ctx, tilemath.TileBounds(z, x, y), z) {
		if ferr != nil {
			return nil, Wrap(KindExternal, ferr, "feature store "+rec.ID)
		}
		cls.Classify(f)
		if pt, ok := f.Geom.(orb.Point); ok && f.OBJL == "LIGHTS" {
			f.Geom = s52.BuildSectors(pt, f)
		}
		feats = append(feats, f)
	}
	ras := rasterizer{z: z, x: x, y: y, colors: r.palette}
	return encodeRaster(ras.render(feats), "png")
}

// thumbnailTile picks the deepest tile that still covers the whole dataset.
func thumbnailTile(rec registry.Record) (z, x, y int) {
	b := rec.Bounds()
	if b.North > 85 {
		b.North = 85
	}
	if b.South < -85 {
		b.South = -85
	}
	maxZ := rec.MaxZoom
	if maxZ > scamin.MaxZoom {
		maxZ = scamin.MaxZoom
	}
	for z = maxZ; z > 0; z-- {
		x, y = tilemath.BBoxToXYZ(z, b)
		tb := tilemath.TileBounds(z, x, y)
		if tb.West <= b.West && tb.East >= b.East && tb.South <= b.South && tb.North >= b.North {
			return z, x, y
		}
	}
	return 0, 0, 0
}
