package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/mbtiles"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/source"
)

func testPipeline(t *testing.T, tools Toolchain, cm93CLI string) (*Pipeline, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.sqlite"), registry.Options{}, slog.Default())
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	p := New(Options{DataDir: t.TempDir(), CM93CLI: cm93CLI}, reg, tools, slog.Default())
	t.Cleanup(p.Close)
	return p, reg
}

func missingTools() Toolchain {
	return Toolchain{
		Lookup: func(string) (string, error) { return "", errors.New("not found") },
		Run: func(context.Context, string, ...string) error {
			return errors.New("must not run")
		},
	}
}

// fakeENCTools pretends ogr2ogr and tippecanoe exist and writes a real
// MBTiles file in place of the pyramid builder.
func fakeENCTools(t *testing.T) Toolchain {
	t.Helper()
	return Toolchain{
		Lookup: func(string) (string, error) { return "/usr/bin/fake", nil },
		Run: func(_ context.Context, name string, args ...string) error {
			switch name {
			case "ogr2ogr":
				return os.WriteFile(args[len(args)-2], []byte(`{"type":"Feature"}`), 0o644)
			case "tippecanoe":
				var out string
				for i, a := range args {
					if a == "-o" {
						out = args[i+1]
					}
				}
				w, err := mbtiles.New(out, mbtiles.Metadata{
					Name: "Fixture", Format: "pbf", MinZoom: 0, MaxZoom: 14,
					Bounds: [4]float64{5, 53, 9, 56},
				})
				if err != nil {
					return err
				}
				if err := w.WriteTile(0, 0, 0, []byte("tile")); err != nil {
					return err
				}
				return w.Close()
			default:
				return errors.New("unexpected tool " + name)
			}
		},
	}
}

func writeCells(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{"DE521900.000", "DE521901.000"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestImportENCSkipsWithoutTools(t *testing.T) {
	p, reg := testPipeline(t, missingTools(), "")
	src := t.TempDir()
	writeCells(t, src)

	res, err := p.ImportENC(context.Background(), src, ENCOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !res.Skipped {
		t.Fatal("missing tools must skip")
	}
	if recs, _ := reg.List("", "", 1, 10); len(recs) != 0 {
		t.Fatal("skip must not register anything")
	}
}

func TestImportENCRegistersAndIsIdempotent(t *testing.T) {
	p, reg := testPipeline(t, fakeENCTools(t), "")
	src := t.TempDir()
	writeCells(t, src)

	res, err := p.ImportENC(context.Background(), src, ENCOptions{Name: "fixture"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Skipped {
		t.Fatal("first import must run")
	}

	rec, ok, _ := reg.Get("fixture")
	if !ok {
		t.Fatal("dataset not registered")
	}
	if rec.Kind != registry.KindENC || rec.MaxZoom != 14 {
		t.Errorf("record = %+v", rec)
	}

	var sc registry.Sidecar
	raw, err := os.ReadFile(res.MetaPath)
	if err != nil {
		t.Fatalf("read sidecar: %v", err)
	}
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatalf("parse sidecar: %v", err)
	}
	if sc.Cells != 2 || sc.SHA256 == "" {
		t.Errorf("sidecar = %+v", sc)
	}

	// Unchanged source fingerprint skips the second run.
	again, err := p.ImportENC(context.Background(), src, ENCOptions{Name: "fixture"})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if !again.Skipped {
		t.Fatal("identical source must skip")
	}
}

// fakeCM93Tools emulates the CM93 decoder CLI and ogr2ogr: the decoder drops
// one intermediate cell into its --out directory, the converter writes a
// fixed NDJSON feature pair for any cell.
func fakeCM93Tools(t *testing.T) Toolchain {
	t.Helper()
	const ndjson = `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[0,0],[0.1,0],[0.1,0.1],[0,0.1],[0,0]]]},"properties":{"OBJL":"DEPARE","DRVAL1":0,"DRVAL2":5}}
{"type":"Feature","geometry":{"type":"Point","coordinates":[0.05,0.05]},"properties":{"OBJL":129,"VALSOU":8.5,"SCAMIN":45000}}
`
	return Toolchain{
		Lookup: func(string) (string, error) { return "/usr/bin/fake", nil },
		Run: func(_ context.Context, name string, args ...string) error {
			switch name {
			case "cm93cli":
				var out string
				for i, a := range args {
					if a == "--out" {
						out = args[i+1]
					}
				}
				return os.WriteFile(filepath.Join(out, "00300010.000"), []byte("cell"), 0o644)
			case "ogr2ogr":
				return os.WriteFile(args[len(args)-2], []byte(ndjson), 0o644)
			default:
				return errors.New("unexpected tool " + name)
			}
		},
	}
}

func TestImportCM93BuildsFeatureStore(t *testing.T) {
	p, reg := testPipeline(t, fakeCM93Tools(t), "cm93cli")
	src := t.TempDir()
	offsets := "cell_id,offset_dx_m,offset_dy_m\n00300010,1113.2,0\n"
	if err := os.WriteFile(filepath.Join(src, "offsets.csv"), []byte(offsets), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := p.ImportCM93(context.Background(), src, ENCOptions{Name: "baltic", RespectSCAMIN: true})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Skipped {
		t.Fatal("first import must run")
	}

	rec, ok, _ := reg.Get("baltic")
	if !ok {
		t.Fatal("dataset not registered")
	}
	if rec.Kind != registry.KindCM93 || !strings.HasSuffix(rec.Path, ".features.sqlite") {
		t.Errorf("record = %+v", rec)
	}

	store, err := source.OpenSQLStore(rec.Path)
	if err != nil {
		t.Fatalf("open feature store: %v", err)
	}
	defer store.Close()

	collect := func(zoom int) map[string]*chart.Feature {
		got := make(map[string]*chart.Feature)
		bbox := chart.BBox{West: -1, South: -1, East: 1, North: 1}
		for f, err := range store.Features(context.Background(), bbox, zoom) {
			if err != nil {
				t.Fatalf("features at z%d: %v", zoom, err)
			}
			got[f.OBJL] = f
		}
		return got
	}

	deep := collect(12)
	if len(deep) != 2 || deep["DEPARE"] == nil || deep["SOUNDG"] == nil {
		t.Fatalf("features at z12 = %v", deep)
	}
	// SCAMIN 45000 keeps the sounding out of zooms below 11.
	if overview := collect(5); overview["SOUNDG"] != nil || overview["DEPARE"] == nil {
		t.Errorf("features at z5 = %v", overview)
	}

	// The cell offset moved the depth area about 0.01 degrees east.
	west := deep["DEPARE"].Geom.Bound().Min[0]
	if math.Abs(west-0.01) > 1e-4 {
		t.Errorf("depth area west edge = %v, want about 0.01", west)
	}
	if cell, ok := deep["DEPARE"].Text("cell_id"); !ok || cell != "00300010" {
		t.Errorf("cell_id = %q", cell)
	}

	// Unchanged decoded cells skip the second run.
	again, err := p.ImportCM93(context.Background(), src, ENCOptions{Name: "baltic", RespectSCAMIN: true})
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if !again.Skipped {
		t.Fatal("identical source must skip")
	}
}

func TestImportCM93WithoutDecoderSkips(t *testing.T) {
	p, _ := testPipeline(t, fakeENCTools(t), "")
	res, err := p.ImportCM93(context.Background(), "/nonexistent", ENCOptions{})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !res.Skipped {
		t.Fatal("unconfigured decoder must skip")
	}
}

func TestImportGeoTIFFChecksumSkip(t *testing.T) {
	ran := 0
	tools := Toolchain{
		Lookup: func(string) (string, error) { return "/usr/bin/fake", nil },
		Run: func(_ context.Context, name string, args ...string) error {
			ran++
			return os.WriteFile(args[len(args)-1], []byte("cog bytes"), 0o644)
		},
	}
	p, reg := testPipeline(t, tools, "")

	src := filepath.Join(t.TempDir(), "harbor.tif")
	if err := os.WriteFile(src, []byte("tiff bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := p.ImportGeoTIFF(context.Background(), src)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Skipped || ran != 1 {
		t.Fatalf("first conversion must run (ran=%d)", ran)
	}
	if _, ok, _ := reg.Get("harbor"); !ok {
		t.Fatal("cog not registered")
	}

	again, err := p.ImportGeoTIFF(context.Background(), src)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if !again.Skipped || ran != 1 {
		t.Fatalf("unchanged checksum must skip (ran=%d)", ran)
	}
}

func TestLoadOffsets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offsets.csv")
	csv := "cell_id,offset_dx_m,offset_dy_m\n1,1113.2,0\n2,0,-556.6\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}

	offsets, err := LoadOffsets(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if offsets["1"].DXMeters != 1113.2 || offsets["2"].DYMeters != -556.6 {
		t.Fatalf("offsets = %v", offsets)
	}

	if _, err := LoadOffsets(path + ".missing"); err == nil {
		t.Error("missing file must error")
	}
}

func TestApplyOffsetsLatitudeCorrection(t *testing.T) {
	offsets := map[string]Offset{"1": {DXMeters: 1113.2, DYMeters: 0}}

	square := func(lat float64) *chart.Feature {
		f := chart.NewFeature("LNDARE", orb.Polygon{{
			{0, lat}, {0.1, lat}, {0.1, lat + 0.1}, {0, lat + 0.1}, {0, lat},
		}})
		f.Set("cell_id", chart.Str("1"))
		return f
	}

	// At the equator 1113.2 m is about 0.01 degrees of longitude.
	eq := square(-0.05)
	ApplyOffsets([]*chart.Feature{eq}, offsets)
	got := eq.Geom.(orb.Polygon)[0][0][0]
	if math.Abs(got-0.01) > 1e-4 {
		t.Errorf("equator shift = %v, want about 0.01", got)
	}

	// At 60 degrees north the same metres are about 0.02 degrees.
	north := square(59.95)
	ApplyOffsets([]*chart.Feature{north}, offsets)
	got = north.Geom.(orb.Polygon)[0][0][0]
	if math.Abs(got-0.02) > 1e-3 {
		t.Errorf("lat60 shift = %v, want about 0.02", got)
	}

	// Features without a table entry stay put.
	other := square(0)
	other.Set("cell_id", chart.Str("99"))
	ApplyOffsets([]*chart.Feature{other}, offsets)
	if other.Geom.(orb.Polygon)[0][0][0] != 0 {
		t.Error("unmatched cell must not move")
	}
}
