package s52

import (
	"fmt"
	"hash/crc32"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"github.com/navtile/chartsrv/internal/chart"
)

const (
	nmToDeg        = 1.0 / 60.0
	defaultRangeNM = 2.5
	arcStepDeg     = 10.0
)

// BuildSectors returns the portrayal geometry for a CM93 light at the given
// position. Lights with SECTR1/SECTR2 get an arc wedge as a MultiPolygon;
// all-round lights get a simple range line pointing north. The nominal range
// comes from VALNMR in nautical miles, defaulting to 2.5.
func BuildSectors(center orb.Point, f *chart.Feature) orb.Geometry {
	rangeNM := defaultRangeNM
	if v, ok := f.Num("VALNMR"); ok && v > 0 {
		rangeNM = v
	}
	radius := rangeNM * nmToDeg

	start, hasStart := f.Num("SECTR1")
	end, hasEnd := f.Num("SECTR2")
	if !hasStart || !hasEnd {
		return orb.LineString{center, {center[0], center[1] + radius}}
	}
	return orb.MultiPolygon{wedge(center, radius, start, end)}
}

// wedge traces a pie slice from start to end bearing in coarse steps. Bearings
// are compass degrees, so x advances with sin and y with cos.
func wedge(center orb.Point, radius, start, end float64) orb.Polygon {
	if start > end {
		end += 360
	}
	ring := orb.Ring{center}
	for angle := start; angle < end; angle += arcStepDeg {
		ring = append(ring, arcPoint(center, radius, angle))
	}
	ring = append(ring, arcPoint(center, radius, end), center)
	return orb.Polygon{ring}
}

func arcPoint(center orb.Point, radius, angleDeg float64) orb.Point {
	rad := angleDeg * math.Pi / 180
	return orb.Point{
		center[0] + radius*math.Sin(rad),
		center[1] + radius*math.Cos(rad),
	}
}

// BuildCharacter composes the light description string (character, signal
// group, colour initial, period, range, sector span) and returns it with its
// CRC32 code. The code is stable across processes, so the label plane can
// carry the compact code and clients resolve it through the dictionary.
func BuildCharacter(f *chart.Feature) (code uint32, text string) {
	var parts []string
	for _, key := range []string{"LITCHR", "SIGGRP", "COLOUR", "SIGPER", "VALNMR"} {
		v, ok := f.Attrs[key]
		if !ok || v.Kind() == chart.KindNull {
			continue
		}
		s := v.String()
		if s == "" || s == "0" {
			continue
		}
		if key == "COLOUR" {
			s = strings.ToUpper(s[:1])
		}
		parts = append(parts, s)
	}
	if s1, ok1 := f.Attrs["SECTR1"]; ok1 {
		if s2, ok2 := f.Attrs["SECTR2"]; ok2 {
			parts = append(parts, fmt.Sprintf("%s-%s", s1, s2))
		}
	}
	text = strings.Join(parts, " ")
	return crc32.ChecksumIEEE([]byte(text)), text
}
