package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/paulmach/orb"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/tilemath"
)

// Offset is a per-cell correction in metres applied to CM93 geometry during
// import. Some CM93 regions carry systematic datum shifts.
type Offset struct {
	DXMeters float64
	DYMeters float64
}

// LoadOffsets reads a cell offset table from CSV with the columns
// cell_id, offset_dx_m, offset_dy_m.
func LoadOffsets(path string) (map[string]Offset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open offsets: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read offsets header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, required := range []string{"cell_id", "offset_dx_m", "offset_dy_m"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("offsets csv missing column %s", required)
		}
	}

	offsets := make(map[string]Offset)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read offsets row: %w", err)
		}
		dx, err := strconv.ParseFloat(row[cols["offset_dx_m"]], 64)
		if err != nil {
			return nil, fmt.Errorf("offsets dx for cell %s: %w", row[cols["cell_id"]], err)
		}
		dy, err := strconv.ParseFloat(row[cols["offset_dy_m"]], 64)
		if err != nil {
			return nil, fmt.Errorf("offsets dy for cell %s: %w", row[cols["cell_id"]], err)
		}
		offsets[row[cols["cell_id"]]] = Offset{DXMeters: dx, DYMeters: dy}
	}
	return offsets, nil
}

// ApplyOffsets shifts each feature by its cell's offset, converted from
// metres to degrees at the feature's own latitude. Features without a
// cell_id attribute or without a table entry pass through unchanged.
func ApplyOffsets(features []*chart.Feature, offsets map[string]Offset) {
	for _, f := range features {
		cell, ok := f.Attrs["cell_id"]
		if !ok {
			continue
		}
		off, ok := offsets[cell.String()]
		if !ok || (off.DXMeters == 0 && off.DYMeters == 0) {
			continue
		}
		lat := f.Geom.Bound().Center()[1]
		dLon, dLat := tilemath.MeterOffsetToDegrees(lat, off.DXMeters, off.DYMeters)
		f.Geom = translate(f.Geom, dLon, dLat)
	}
}

func translate(g orb.Geometry, dLon, dLat float64) orb.Geometry {
	switch geom := g.(type) {
	case orb.Point:
		return orb.Point{geom[0] + dLon, geom[1] + dLat}
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(geom))
		for i, pt := range geom {
			out[i] = orb.Point{pt[0] + dLon, pt[1] + dLat}
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(geom))
		for i, pt := range geom {
			out[i] = orb.Point{pt[0] + dLon, pt[1] + dLat}
		}
		return out
	case orb.MultiLineString:
		out := make(orb.MultiLineString, len(geom))
		for i, ls := range geom {
			out[i] = translate(ls, dLon, dLat).(orb.LineString)
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(geom))
		for i, pt := range geom {
			out[i] = orb.Point{pt[0] + dLon, pt[1] + dLat}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(geom))
		for i, ring := range geom {
			out[i] = translate(ring, dLon, dLat).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			out[i] = translate(poly, dLon, dLat).(orb.Polygon)
		}
		return out
	default:
		return g
	}
}
