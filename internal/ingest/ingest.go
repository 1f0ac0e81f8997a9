// Package ingest converts on-disk chart sources into registered datasets:
// ENC cells and CM93 databases become MBTiles pyramids, GeoTIFFs become
// cloud-optimised rasters. All flows are idempotent on a SHA-256 fingerprint
// of the source files and never leave partial output behind.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond"

	"github.com/navtile/chartsrv/internal/mbtiles"
	"github.com/navtile/chartsrv/internal/registry"
)

// Toolchain abstracts the external converters so tests can fake them.
type Toolchain struct {
	Lookup func(name string) (string, error)
	Run    func(ctx context.Context, name string, args ...string) error
}

// DefaultToolchain shells out via exec.
func DefaultToolchain() Toolchain {
	return Toolchain{
		Lookup: exec.LookPath,
		Run: func(ctx context.Context, name string, args ...string) error {
			cmd := exec.CommandContext(ctx, name, args...)
			cmd.Stdout = os.Stderr
			cmd.Stderr = os.Stderr
			return cmd.Run()
		},
	}
}

// Options configure a pipeline.
type Options struct {
	DataDir string
	// CM93CLI is the external CM93-to-ENC decoder binary; empty disables
	// the CM93 flow.
	CM93CLI string
	Workers int
}

// Result describes one finished import.
type Result struct {
	MetaPath string
	TilePath string
	// Skipped is set when the artefact was already current or a required
	// external tool is missing.
	Skipped bool
}

// Pipeline runs the import flows. Imports submitted through Batch run on a
// bounded worker pool.
type Pipeline struct {
	opts  Options
	reg   *registry.Registry
	tools Toolchain
	pool  *pond.WorkerPool
	log   *slog.Logger
}

// New builds a pipeline writing artefacts under opts.DataDir.
func New(opts Options, reg *registry.Registry, tools Toolchain, log *slog.Logger) *Pipeline {
	workers := opts.Workers
	if workers < 1 {
		workers = 2
	}
	return &Pipeline{
		opts:  opts,
		reg:   reg,
		tools: tools,
		pool:  pond.New(workers, 64),
		log:   log,
	}
}

// Close drains the worker pool.
func (p *Pipeline) Close() {
	p.pool.StopAndWait()
}

// selected S-57 attributes carried through the ENC conversion.
var encAttrs = []string{
	"OBJL", "DRVAL1", "DRVAL2", "VALDCO", "VALSOU", "QUAPOS",
	"WATLEV", "CATWRK", "CATOBS", "SCAMIN", "OBJNAM", "NOBJNM",
}

func (p *Pipeline) haveTools(names ...string) bool {
	for _, name := range names {
		if _, err := p.tools.Lookup(name); err != nil {
			return false
		}
	}
	return true
}

func fingerprint(paths []string) (string, error) {
	sorted := make([]string, len(paths))
	copy(sorted, paths)
	sort.Strings(sorted)

	h := sha256.New()
	for _, path := range sorted {
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sidecarCurrent(metaPath, digest string) bool {
	raw, err := os.ReadFile(metaPath)
	if err != nil {
		return false
	}
	var sc registry.Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		return false
	}
	return sc.SHA256 == digest
}

// writeAtomic writes data to path via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".ingest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ENCOptions tune one ENC import.
type ENCOptions struct {
	Name          string
	RespectSCAMIN bool
	MinZoom       int
	MaxZoom       int
	Kind          string
}

// ImportENC ingests the S-57 cells under src into an MBTiles dataset and
// registers it. A matching source fingerprint or a missing converter skips
// the run without touching the registry.
func (p *Pipeline) ImportENC(ctx context.Context, src string, opts ENCOptions) (Result, error) {
	cells, err := filepath.Glob(filepath.Join(src, "*.0??"))
	if err != nil || len(cells) == 0 {
		return Result{}, fmt.Errorf("no ENC cells found in %s", src)
	}
	digest, err := fingerprint(cells)
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint cells: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(src)
	}
	if opts.MaxZoom == 0 {
		opts.MaxZoom = 16
	}
	kind := opts.Kind
	if kind == "" {
		kind = registry.KindENC
	}

	outDir := filepath.Join(p.opts.DataDir, "mbtiles")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, err
	}
	tilesPath := filepath.Join(outDir, name+".mbtiles")
	metaPath := filepath.Join(outDir, name+".meta.json")
	res := Result{MetaPath: metaPath, TilePath: tilesPath}

	if fileExists(tilesPath) && sidecarCurrent(metaPath, digest) {
		p.log.Info("import up to date", "dataset", name)
		res.Skipped = true
		return res, nil
	}
	if !p.haveTools("ogr2ogr", "tippecanoe") {
		fmt.Fprintln(os.Stderr, "SKIP: ogr2ogr or tippecanoe missing")
		res.Skipped = true
		return res, nil
	}

	tmpDir, err := os.MkdirTemp("", "ingest-enc-")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(tmpDir)

	ndjson := filepath.Join(tmpDir, "features.ndjson")
	for _, cell := range cells {
		err := p.tools.Run(ctx, "ogr2ogr",
			"-f", "GeoJSONSeq", "-append", "-skipfailures",
			"-select", strings.Join(encAttrs, ","),
			ndjson, cell)
		if err != nil {
			return Result{}, fmt.Errorf("ogr2ogr %s: %w", cell, err)
		}
	}

	tmpTiles := filepath.Join(tmpDir, "out.mbtiles")
	err = p.tools.Run(ctx, "tippecanoe",
		"-o", tmpTiles, "-l", "features",
		"--no-tile-size-limit", "--force", "--read-parallel", "--no-feature-limit",
		"--minimum-zoom", fmt.Sprint(opts.MinZoom),
		"--maximum-zoom", fmt.Sprint(opts.MaxZoom),
		ndjson)
	if err != nil {
		return Result{}, fmt.Errorf("tippecanoe: %w", err)
	}
	if err := os.Rename(tmpTiles, tilesPath); err != nil {
		return Result{}, fmt.Errorf("publish mbtiles: %w", err)
	}

	sc := registry.Sidecar{
		Kind:      kind,
		Name:      name,
		MinZoom:   opts.MinZoom,
		MaxZoom:   opts.MaxZoom,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Cells:     len(cells),
		SCAMIN:    opts.RespectSCAMIN,
		SHA256:    digest,
	}
	// Prefer the bounds tippecanoe recorded in the tileset itself.
	if reader, err := mbtiles.OpenReader(tilesPath, 1); err == nil {
		if meta, err := reader.Metadata(); err == nil {
			sc.Bounds = meta.Bounds
			if meta.MinZoom != 0 || meta.MaxZoom != 0 {
				sc.MinZoom, sc.MaxZoom = meta.MinZoom, meta.MaxZoom
			}
			if meta.Name != "" {
				sc.Name = meta.Name
			}
		}
		reader.Close()
	}

	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := writeAtomic(metaPath, raw); err != nil {
		return Result{}, fmt.Errorf("write sidecar: %w", err)
	}

	if err := p.reg.RegisterMBTiles(metaPath, tilesPath); err != nil {
		return Result{}, err
	}
	p.log.Info("imported ENC dataset", "dataset", name, "cells", len(cells))
	return res, nil
}

// COGSidecar is the JSON document describing a converted GeoTIFF.
type COGSidecar struct {
	BBox       [4]float64 `json:"bbox"`
	EPSG       int        `json:"epsg,omitempty"`
	Resolution [2]float64 `json:"resolution,omitempty"`
	Overviews  []int      `json:"overviews,omitempty"`
	SHA256     string     `json:"sha256"`
}

// ImportGeoTIFF converts src into a cloud-optimised GeoTIFF with sidecar and
// registers it. Unchanged checksums and missing GDAL both skip.
func (p *Pipeline) ImportGeoTIFF(ctx context.Context, src string) (Result, error) {
	digest, err := fingerprint([]string{src})
	if err != nil {
		return Result{}, fmt.Errorf("fingerprint %s: %w", src, err)
	}

	outDir := filepath.Join(p.opts.DataDir, "geotiff")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Result{}, err
	}
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	cogPath := filepath.Join(outDir, stem+".tif")
	metaPath := filepath.Join(outDir, stem+".cog.json")
	res := Result{MetaPath: metaPath, TilePath: cogPath}

	if raw, err := os.ReadFile(metaPath); err == nil {
		var sc COGSidecar
		if json.Unmarshal(raw, &sc) == nil && sc.SHA256 == digest && fileExists(cogPath) {
			p.log.Info("geotiff up to date", "dataset", stem)
			res.Skipped = true
			return res, nil
		}
	}
	if !p.haveTools("gdal_translate") {
		fmt.Fprintln(os.Stderr, "SKIP: GDAL tools missing")
		res.Skipped = true
		return res, nil
	}

	tmpCog := cogPath + ".tmp"
	err = p.tools.Run(ctx, "gdal_translate",
		"-of", "COG",
		"-co", "COMPRESS=LZW",
		"-co", "BIGTIFF=IF_NEEDED",
		"-co", "BLOCKSIZE=512",
		"-co", "RESAMPLING=AVERAGE",
		src, tmpCog)
	if err != nil {
		os.Remove(tmpCog)
		return Result{}, fmt.Errorf("gdal_translate: %w", err)
	}
	if err := os.Rename(tmpCog, cogPath); err != nil {
		return Result{}, fmt.Errorf("publish cog: %w", err)
	}

	sc := COGSidecar{SHA256: digest}
	raw, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return Result{}, err
	}
	if err := writeAtomic(metaPath, raw); err != nil {
		return Result{}, fmt.Errorf("write cog sidecar: %w", err)
	}

	if err := p.reg.RegisterCOG(metaPath, cogPath); err != nil {
		return Result{}, err
	}
	p.log.Info("imported geotiff", "dataset", stem)
	return res, nil
}

// Batch imports several ENC source directories concurrently and returns the
// first error.
func (p *Pipeline) Batch(ctx context.Context, dirs []string, opts ENCOptions) error {
	group, ctx := p.pool.GroupContext(ctx)
	for _, dir := range dirs {
		dir := dir
		o := opts
		o.Name = filepath.Base(dir)
		group.Submit(func() error {
			_, err := p.ImportENC(ctx, dir, o)
			return err
		})
	}
	return group.Wait()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
