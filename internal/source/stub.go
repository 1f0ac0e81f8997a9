package source

import (
	"context"
	"iter"

	"github.com/paulmach/orb"

	"github.com/navtile/chartsrv/internal/chart"
)

// Stub is the deterministic synthetic datasource used for CM93 placeholder
// tiles and hermetic tests. The population only depends on the bounding box,
// so a given tile always renders identically.
type Stub struct{}

// StubLight returns the attributes of the sectored light the stub places in
// every tile. Exposed so tests can recompute the expected character code.
func StubLight() map[string]chart.Value {
	return map[string]chart.Value{
		"LITCHR": chart.Str("Fl"),
		"SIGGRP": chart.Str("(3)"),
		"COLOUR": chart.Str("red"),
		"SIGPER": chart.Str("5s"),
		"VALNMR": chart.Num(0.05),
		"SECTR1": chart.Num(0),
		"SECTR2": chart.Num(90),
	}
}

func rect(x1, y1, x2, y2 float64) orb.Polygon {
	return orb.Polygon{{{x1, y1}, {x2, y1}, {x2, y2}, {x1, y2}, {x1, y1}}}
}

// Features yields the fixed population: land on the west half, two depth
// areas, three contours, a coastline, two soundings, a drying wreck and a
// sectored light. Geometries are deliberately simple.
func (Stub) Features(ctx context.Context, bbox chart.BBox, zoom int) iter.Seq2[*chart.Feature, error] {
	return func(yield func(*chart.Feature, error) bool) {
		midx := (bbox.West + bbox.East) / 2
		midy := (bbox.South + bbox.North) / 2

		emit := func(f *chart.Feature) bool {
			if ctx.Err() != nil {
				return yield(nil, ctx.Err())
			}
			return yield(f, nil)
		}

		land := chart.NewFeature("LNDARE", rect(bbox.West, bbox.South, midx, bbox.North))
		if !emit(land) {
			return
		}

		shallow := chart.NewFeature("DEPARE", rect(midx, bbox.South, bbox.East, midy))
		shallow.Set("DRVAL1", chart.Num(0))
		shallow.Set("DRVAL2", chart.Num(5))
		if !emit(shallow) {
			return
		}

		deep := chart.NewFeature("DEPARE", rect(midx, midy, bbox.East, bbox.North))
		deep.Set("DRVAL1", chart.Num(10))
		deep.Set("DRVAL2", chart.Num(100))
		if !emit(deep) {
			return
		}

		// Contours at quarter spacings on the water side; the middle one is
		// flagged low accuracy.
		for i, depth := range []float64{5, 10, 15} {
			x := midx + float64(i+1)*(bbox.East-midx)/4
			c := chart.NewFeature("DEPCNT", orb.LineString{{x, bbox.South}, {x, bbox.North}})
			c.Set("VALDCO", chart.Num(depth))
			quapos := 1.0
			if i == 1 {
				quapos = 3
			}
			c.Set("QUAPOS", chart.Num(quapos))
			if !emit(c) {
				return
			}
		}

		coast := chart.NewFeature("COALNE", orb.LineString{{midx, bbox.South}, {midx, bbox.North}})
		if !emit(coast) {
			return
		}

		for i, depth := range []float64{2, 15} {
			sx := midx + float64(i+1)*(bbox.East-midx)/3
			sy := bbox.South + float64(i+1)*(bbox.North-bbox.South)/3
			s := chart.NewFeature("SOUNDG", orb.Point{sx, sy})
			s.Set("VALSOU", chart.Num(depth))
			if !emit(s) {
				return
			}
		}

		wreck := chart.NewFeature("WRECKS", orb.Point{
			midx + (bbox.East-midx)/8,
			midy + (bbox.North-midy)/8,
		})
		wreck.Set("VALSOU", chart.Num(1.5))
		wreck.Set("WATLEV", chart.Int(2))
		if !emit(wreck) {
			return
		}

		light := chart.NewFeature("LIGHTS", orb.Point{midx, midy})
		for name, v := range StubLight() {
			light.Set(name, v)
		}
		emit(light)
	}
}
