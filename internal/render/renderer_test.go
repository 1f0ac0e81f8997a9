package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	omvt "github.com/paulmach/orb/encoding/mvt"

	"github.com/navtile/chartsrv/internal/cache"
	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
	"github.com/navtile/chartsrv/internal/mbtiles"
	"github.com/navtile/chartsrv/internal/metrics"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/s52"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G'}

func testRenderer(t *testing.T, mutate func(*Config)) (*Renderer, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.sqlite"), registry.Options{}, slog.Default())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	c, err := cache.New(64, "", 0, slog.Default())
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	pool, err := mbtiles.NewPool(4, 32)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	cfg := Config{
		Registry:  reg,
		Cache:     c,
		Metrics:   metrics.New(),
		Dict:      dict.New(),
		Palette:   s52.PaletteByName("day"),
		Symbols:   s52.BuiltinAtlas(),
		Pool:      pool,
		RasterMVP: true,
		Log:       slog.Default(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r := New(cfg)
	t.Cleanup(r.Close)
	return r, reg
}

func cm93Request(plane, format string) Request {
	return Request{
		Dataset:  "cm93",
		Plane:    plane,
		Z:        8, X: 120, Y: 80,
		Format:   format,
		Contours: chart.DefaultContours,
	}
}

func registerMBTiles(t *testing.T, reg *registry.Registry, id string) string {
	t.Helper()
	dir := t.TempDir()
	tiles := filepath.Join(dir, id+".mbtiles")
	w, err := mbtiles.New(tiles, mbtiles.Metadata{Name: id, Format: "pbf", MaxZoom: 14})
	if err != nil {
		t.Fatalf("create mbtiles: %v", err)
	}
	if err := w.WriteTile(0, 0, 0, []byte("enc tile bytes")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	meta := filepath.Join(dir, id+".meta.json")
	raw, _ := json.Marshal(registry.Sidecar{Kind: registry.KindENC, Name: id, MaxZoom: 14})
	if err := os.WriteFile(meta, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterMBTiles(meta, tiles); err != nil {
		t.Fatalf("register: %v", err)
	}
	return tiles
}

// registerCM93Pyramid registers a CM93 dataset whose artefact is a finished
// MBTiles pyramid rather than a feature database.
func registerCM93Pyramid(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	dir := t.TempDir()
	tiles := filepath.Join(dir, id+".mbtiles")
	w, err := mbtiles.New(tiles, mbtiles.Metadata{Name: id, Format: "pbf", MaxZoom: 14})
	if err != nil {
		t.Fatalf("create mbtiles: %v", err)
	}
	if err := w.WriteTile(0, 0, 0, []byte("cm93 pyramid tile")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	meta := filepath.Join(dir, id+".meta.json")
	raw, _ := json.Marshal(registry.Sidecar{Kind: registry.KindCM93, Name: id, MaxZoom: 14})
	if err := os.WriteFile(meta, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterCM93(meta, tiles); err != nil {
		t.Fatalf("register: %v", err)
	}
}

func registerCOG(t *testing.T, reg *registry.Registry, id string) {
	t.Helper()
	dir := t.TempDir()
	meta := filepath.Join(dir, id+".cog.json")
	raw, _ := json.Marshal(registry.Sidecar{
		Kind: registry.KindGeoTIFF, Name: id, Bounds: [4]float64{9, 53, 10, 54}, MaxZoom: 14,
	})
	if err := os.WriteFile(meta, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.RegisterCOG(meta, filepath.Join(dir, id+".tif")); err != nil {
		t.Fatalf("register cog: %v", err)
	}
}

func TestRenderValidation(t *testing.T) {
	r, reg := testRenderer(t, nil)
	registerMBTiles(t, reg, "nordsee")

	cases := []struct {
		name string
		req  Request
		kind ErrorKind
	}{
		{"out of grid", Request{Dataset: "cm93", Z: 2, X: 9, Y: 0, Format: "mvt"}, KindInvalidTile},
		{"negative zoom", Request{Dataset: "cm93", Z: -1, Format: "mvt"}, KindInvalidTile},
		{"unknown dataset", Request{Dataset: "nope", Z: 0, Format: "mvt"}, KindNotFound},
		{"png for enc", Request{Dataset: "nordsee", Z: 0, Format: "png"}, KindUnsupportedFormat},
		{"webp for cm93", Request{Dataset: "cm93", Z: 0, Format: "webp"}, KindUnsupportedFormat},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := r.Render(context.Background(), tc.req)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tc.kind {
				t.Errorf("kind = %v, want %v", got, tc.kind)
			}
		})
	}
}

func TestErrorKindStatus(t *testing.T) {
	cases := map[ErrorKind]int{
		KindNotFound:          404,
		KindInvalidTile:       422,
		KindUnsupportedFormat: 415,
		KindCorrupt:           502,
		KindExternal:          502,
		KindUnavailable:       500,
		KindInternal:          500,
	}
	for kind, want := range cases {
		if got := kind.HTTPStatus(); got != want {
			t.Errorf("%v status = %d, want %d", kind, got, want)
		}
	}

	// Errors with no kind in their chain are internal, not a gateway fault.
	if got := KindOf(errors.New("boom")); got != KindInternal {
		t.Errorf("KindOf(plain error) = %v, want %v", got, KindInternal)
	}
}

func TestRenderVectorTile(t *testing.T) {
	r, _ := testRenderer(t, nil)

	entry, state, err := r.Render(context.Background(), cm93Request("", "mvt"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if state != StateMiss {
		t.Errorf("state = %v", state)
	}
	if entry.MediaType != "application/x-protobuf" || entry.ETag == "" {
		t.Errorf("entry = %+v", entry)
	}

	layers, err := omvt.Unmarshal(entry.Bytes)
	if err != nil {
		t.Fatalf("unmarshal tile: %v", err)
	}
	if len(layers) != 1 || layers[0].Name != "features" {
		t.Fatalf("layers = %v", layers)
	}

	var safety bool
	for _, f := range layers[0].Features {
		if v, ok := f.Properties["isSafety"].(bool); ok && v {
			safety = true
		}
	}
	if !safety {
		t.Error("no safety contour in tile")
	}

	// Second render is a cache hit with identical bytes.
	again, state, err := r.Render(context.Background(), cm93Request("", "mvt"))
	if err != nil {
		t.Fatalf("re-render: %v", err)
	}
	if state != StateHit {
		t.Errorf("state = %v, want hit", state)
	}
	if !bytes.Equal(again.Bytes, entry.Bytes) {
		t.Error("cache returned different bytes")
	}
}

func TestRenderPlanes(t *testing.T) {
	r, _ := testRenderer(t, nil)
	ctx := context.Background()

	core, _, err := r.Render(ctx, cm93Request("core", "mvt"))
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	label, _, err := r.Render(ctx, cm93Request("label", "mvt"))
	if err != nil {
		t.Fatalf("label: %v", err)
	}
	if bytes.Equal(core.Bytes, label.Bytes) {
		t.Fatal("core and label planes must differ")
	}

	layers, err := omvt.Unmarshal(label.Bytes)
	if err != nil {
		t.Fatalf("unmarshal label tile: %v", err)
	}
	var texts int
	for _, f := range layers[0].Features {
		if f.Properties["text"] != nil {
			texts++
		}
	}
	if texts == 0 {
		t.Error("label plane carries no text anchors")
	}

	// The light character must now be resolvable through the dictionary.
	doc, err := r.dict.JSON()
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Lights map[string]string `json:"lights"`
	}
	if err := json.Unmarshal(doc, &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Lights) == 0 {
		t.Error("light character not registered in dictionary")
	}
}

// Soundings stay visible down to the overview zooms; only an explicit SCAMIN
// attribute may push a feature out of a tile.
func TestRenderKeepsSoundingsAtOverviewZoom(t *testing.T) {
	r, _ := testRenderer(t, nil)

	req := Request{
		Dataset:  "cm93",
		Z:        0, X: 0, Y: 0,
		Format:   "mvt",
		Contours: chart.UniformContours(5),
	}
	entry, _, err := r.Render(context.Background(), req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	layers, err := omvt.Unmarshal(entry.Bytes)
	if err != nil {
		t.Fatalf("unmarshal tile: %v", err)
	}
	var soundings int
	for _, f := range layers[0].Features {
		if fmt.Sprint(f.Properties["OBJL"]) == "129" {
			soundings++
			if _, ok := f.Properties["isShallow"]; !ok {
				t.Error("sounding missing isShallow classification")
			}
		}
	}
	if soundings == 0 {
		t.Error("no soundings in z=0 tile")
	}
}

func TestRenderCM93PretiledPyramid(t *testing.T) {
	r, reg := testRenderer(t, nil)
	registerCM93Pyramid(t, reg, "baltic")
	ctx := context.Background()

	req := Request{Dataset: "baltic", Z: 0, X: 0, Y: 0, Format: "mvt", Contours: chart.DefaultContours}
	entry, state, err := r.Render(ctx, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if state != StateMiss || string(entry.Bytes) != "cm93 pyramid tile" {
		t.Errorf("state=%v bytes=%q", state, entry.Bytes)
	}

	// Labels are baked into the stored tiles; the label plane is empty.
	label := req
	label.Plane = "label"
	empty, _, err := r.Render(ctx, label)
	if err != nil {
		t.Fatalf("label: %v", err)
	}
	if len(empty.Bytes) != 0 {
		t.Errorf("label plane produced %d bytes", len(empty.Bytes))
	}

	// Raster formats degrade to a blank water tile.
	raster := req
	raster.Format = "png"
	blank, _, err := r.Render(ctx, raster)
	if err != nil {
		t.Fatalf("png: %v", err)
	}
	if !bytes.HasPrefix(blank.Bytes, pngMagic) {
		t.Error("raster fallback is not a png")
	}
}

func TestRenderRasterMVP(t *testing.T) {
	r, _ := testRenderer(t, nil)

	entry, _, err := r.Render(context.Background(), cm93Request("", "png"))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if entry.MediaType != "image/png" || !bytes.HasPrefix(entry.Bytes, pngMagic) {
		t.Errorf("not a png response: %q...", entry.Bytes[:4])
	}
}

func TestRenderENCPassthrough(t *testing.T) {
	r, reg := testRenderer(t, nil)
	registerMBTiles(t, reg, "nordsee")
	ctx := context.Background()

	req := Request{Dataset: "nordsee", Z: 0, X: 0, Y: 0, Format: "mvt"}
	entry, state, err := r.Render(ctx, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if state != StateMiss || string(entry.Bytes) != "enc tile bytes" {
		t.Errorf("state=%v bytes=%q", state, entry.Bytes)
	}

	// A tile outside the stored pyramid is an empty, cacheable response.
	empty, _, err := r.Render(ctx, Request{Dataset: "nordsee", Z: 3, X: 1, Y: 1, Format: "mvt"})
	if err != nil {
		t.Fatalf("render empty: %v", err)
	}
	if len(empty.Bytes) != 0 {
		t.Errorf("missing tile produced %d bytes", len(empty.Bytes))
	}
}

func TestRenderServesStaleAfterFailure(t *testing.T) {
	r, reg := testRenderer(t, nil)
	tiles := registerMBTiles(t, reg, "nordsee")
	ctx := context.Background()

	req := Request{Dataset: "nordsee", Z: 0, X: 0, Y: 0, Format: "mvt"}
	key := r.cacheKey(req)
	r.cache.Put(ctx, key, cache.Entry{
		Bytes: []byte("previous good tile"), ETag: `"x"`, MediaType: "application/x-protobuf",
	})

	// Break the tileset so the re-render fails, then expect the cached
	// entry served as stale. The pool has not opened the file yet.
	if err := os.Truncate(tiles, 0); err != nil {
		t.Fatal(err)
	}
	entry, state, err := r.Render(ctx, req)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if state != StateStale {
		t.Errorf("state = %v, want stale", state)
	}
	if string(entry.Bytes) != "previous good tile" {
		t.Errorf("bytes = %q", entry.Bytes)
	}
}

func TestRenderGeoTIFFFallback(t *testing.T) {
	r, reg := testRenderer(t, nil)
	registerCOG(t, reg, "elbe")

	entry, _, err := r.Render(context.Background(), Request{Dataset: "elbe", Z: 8, X: 134, Y: 82, Format: "png"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !bytes.HasPrefix(entry.Bytes, pngMagic) {
		t.Error("fallback is not a png")
	}

	// Without the webp flag the format is rejected up front.
	_, _, err = r.Render(context.Background(), Request{Dataset: "elbe", Z: 8, X: 134, Y: 82, Format: "webp"})
	if KindOf(err) != KindUnsupportedFormat {
		t.Errorf("webp err = %v", err)
	}
}

func TestRenderGeoTIFFWebP(t *testing.T) {
	r, reg := testRenderer(t, func(cfg *Config) { cfg.WebP = true })
	registerCOG(t, reg, "elbe")

	entry, _, err := r.Render(context.Background(), Request{Dataset: "elbe", Z: 8, X: 134, Y: 82, Format: "webp"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if entry.MediaType != "image/webp" || !bytes.HasPrefix(entry.Bytes, []byte("RIFF")) {
		t.Errorf("not a webp response: type=%s", entry.MediaType)
	}
}

func TestRenderGeoTIFFCacheHitCounter(t *testing.T) {
	met := metrics.New()
	r, reg := testRenderer(t, func(cfg *Config) { cfg.Metrics = met })
	registerCOG(t, reg, "elbe")
	ctx := context.Background()

	req := Request{Dataset: "elbe", Z: 8, X: 134, Y: 82, Format: "png"}
	if _, _, err := r.Render(ctx, req); err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, state, err := r.Render(ctx, req); err != nil || state != StateHit {
		t.Fatalf("re-render: state=%v err=%v", state, err)
	}

	families, err := met.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var hits float64
	for _, mf := range families {
		if mf.GetName() == "geotiff_cache_hits" {
			hits = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if hits != 1 {
		t.Errorf("geotiff_cache_hits = %v, want 1", hits)
	}
}

func TestThumbnail(t *testing.T) {
	r, reg := testRenderer(t, nil)
	registerCOG(t, reg, "elbe")

	data, err := r.Thumbnail(context.Background(), "elbe")
	if err != nil {
		t.Fatalf("thumbnail: %v", err)
	}
	if !bytes.HasPrefix(data, pngMagic) {
		t.Error("thumbnail is not a png")
	}

	if _, err := r.Thumbnail(context.Background(), "missing"); KindOf(err) != KindNotFound {
		t.Errorf("missing thumbnail err = %v", err)
	}
}
