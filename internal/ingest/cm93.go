package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/scamin"
	"github.com/navtile/chartsrv/internal/source"
)

// ImportCM93 decodes a CM93 database into intermediate ENC cells with the
// configured external CLI, converts the cells to features, applies the
// per-cell datum offsets and writes a SQLite feature store the tile pipeline
// reads directly.
func (p *Pipeline) ImportCM93(ctx context.Context, src string, opts ENCOptions) (Result, error) {
	if p.opts.CM93CLI == "" {
		fmt.Fprintln(os.Stderr, "SKIP: CM93 decoder not configured")
		return Result{Skipped: true}, nil
	}
	if !p.haveTools(p.opts.CM93CLI, "ogr2ogr") {
		fmt.Fprintln(os.Stderr, "SKIP: CM93 decoder or ogr2ogr missing")
		return Result{Skipped: true}, nil
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(strings.TrimSuffix(src, filepath.Ext(src)))
	}
	if opts.MaxZoom == 0 {
		opts.MaxZoom = 16
	}

	outDir := filepath.Join(p.opts.DataDir, "cm93")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, err
	}
	storePath := filepath.Join(outDir, name+".features.sqlite")
	metaPath := filepath.Join(outDir, name+".meta.json")
	res := Result{MetaPath: metaPath, TilePath: storePath}

	tmpDir, err := os.MkdirTemp("", "ingest-cm93-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(tmpDir)

	if err := p.tools.Run(ctx, p.opts.CM93CLI, "--src", src, "--out", tmpDir); err != nil {
		return Result{}, fmt.Errorf("cm93 decode: %w", err)
	}
	cells, err := filepath.Glob(filepath.Join(tmpDir, "*.0??"))
	if err != nil || len(cells) == 0 {
		return Result{}, fmt.Errorf("cm93 decode produced no cells for %s", src)
	}

	digest, err := fingerprint(cells)
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint cells: %w", err)
	}
	if fileExists(storePath) && sidecarCurrent(metaPath, digest) {
		p.log.Info("cm93 import up to date", "dataset", name)
		res.Skipped = true
		return res, nil
	}

	var features []*chart.Feature
	for _, cell := range cells {
		ndjson := cell + ".ndjson"
		err := p.tools.Run(ctx, "ogr2ogr",
			"-f", "GeoJSONSeq", "-skipfailures",
			"-select", strings.Join(encAttrs, ","),
			ndjson, cell)
		if err != nil {
			return Result{}, fmt.Errorf("ogr2ogr %s: %w", cell, err)
		}
		cellFeatures, err := loadNDJSON(ndjson)
		if err != nil {
			return Result{}, fmt.Errorf("load %s: %w", ndjson, err)
		}
		cellID := strings.TrimSuffix(filepath.Base(cell), filepath.Ext(cell))
		for _, f := range cellFeatures {
			f.Set("cell_id", chart.Str(cellID))
		}
		features = append(features, cellFeatures...)
	}

	// Regional datum corrections ship as a CSV next to the CM93 database.
	if offsets, err := LoadOffsets(filepath.Join(src, "offsets.csv")); err == nil {
		ApplyOffsets(features, offsets)
	}

	tmpStore := filepath.Join(tmpDir, "features.sqlite")
	w, err := source.CreateFeatureStore(tmpStore)
	if err != nil {
		return Result{}, err
	}
	bounds := [4]float64{180, 90, -180, -90}
	for _, f := range features {
		minz := opts.MinZoom
		if opts.RespectSCAMIN {
			if sc, ok := f.Num("SCAMIN"); ok {
				if z := scamin.ToZoom(sc); z > minz {
					minz = z
				}
			}
		}
		if err := w.Append(f, minz, opts.MaxZoom); err != nil {
			w.Close()
			return Result{}, err
		}
		b := f.Geom.Bound()
		bounds[0] = math.Min(bounds[0], b.Min[0])
		bounds[1] = math.Min(bounds[1], b.Min[1])
		bounds[2] = math.Max(bounds[2], b.Max[0])
		bounds[3] = math.Max(bounds[3], b.Max[1])
	}
	if err := w.Close(); err != nil {
		return Result{}, fmt.Errorf("write feature store: %w", err)
	}
	if err := os.Rename(tmpStore, storePath); err != nil {
		return Result{}, fmt.Errorf("publish feature store: %w", err)
	}

	sc := registry.Sidecar{
		Kind:      registry.KindCM93,
		Name:      name,
		Bounds:    bounds,
		MinZoom:   opts.MinZoom,
		MaxZoom:   opts.MaxZoom,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Cells:     len(cells),
		SCAMIN:    opts.RespectSCAMIN,
		SHA256:    digest,
	}
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := writeAtomic(metaPath, raw); err != nil {
		return Result{}, fmt.Errorf("write sidecar: %w", err)
	}

	if err := p.reg.RegisterCM93(metaPath, storePath); err != nil {
		return Result{}, err
	}
	p.log.Info("imported CM93 dataset", "dataset", name, "cells", len(cells), "features", len(features))
	return res, nil
}

// loadNDJSON reads line-delimited GeoJSON features. The object class comes
// from the OBJL property, either as the S-57 acronym or the numeric code.
func loadNDJSON(path string) ([]*chart.Feature, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var features []*chart.Feature
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		gf, err := geojson.UnmarshalFeature([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("parse feature: %w", err)
		}
		objl := objlFrom(gf.Properties["OBJL"])
		if objl == "" {
			continue
		}
		cf := chart.NewFeature(objl, gf.Geometry)
		for key, v := range gf.Properties {
			if key == "OBJL" {
				continue
			}
			if cv := chartValue(v); cv.Kind() != chart.KindNull {
				cf.Set(key, cv)
			}
		}
		features = append(features, cf)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return features, nil
}

func objlFrom(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if name, ok := dict.Name(int(val)); ok {
			return name
		}
	}
	return ""
}

func chartValue(v interface{}) chart.Value {
	switch val := v.(type) {
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return chart.Int(int64(val))
		}
		return chart.Num(val)
	case string:
		return chart.Str(val)
	case bool:
		return chart.Bool(val)
	default:
		return chart.Null()
	}
}
