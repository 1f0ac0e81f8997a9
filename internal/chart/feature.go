// Package chart defines the feature model shared by the tile pipeline:
// typed S-57 attribute values, chart features, bounding boxes and the
// mariner contour configuration.
package chart

import (
	"fmt"
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

// ValueKind discriminates the attribute value union.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindNum
	KindInt
	KindStr
	KindBool
)

// Value is a typed S-57 attribute value. The zero Value is Null.
type Value struct {
	str  string
	num  float64
	i    int64
	b    bool
	kind ValueKind
}

func Num(v float64) Value  { return Value{kind: KindNum, num: v} }
func Int(v int64) Value    { return Value{kind: KindInt, i: v} }
func Str(v string) Value   { return Value{kind: KindStr, str: v} }
func Bool(v bool) Value    { return Value{kind: KindBool, b: v} }
func Null() Value          { return Value{} }
func (v Value) Kind() ValueKind { return v.kind }

// Float returns the numeric value of a Num or Int attribute. Non-numeric
// kinds and non-finite floats report ok=false; callers treat those as absent.
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNum:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return 0, false
		}
		return v.num, true
	case KindInt:
		return float64(v.i), true
	case KindStr:
		f, err := strconv.ParseFloat(v.str, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Int64 returns the value as an integer when it is integral.
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindNum:
		if v.num == math.Trunc(v.num) && !math.IsInf(v.num, 0) {
			return int64(v.num), true
		}
		return 0, false
	case KindStr:
		i, err := strconv.ParseInt(v.str, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Text returns the string form of Str values only.
func (v Value) Text() (string, bool) {
	if v.kind == KindStr {
		return v.str, true
	}
	return "", false
}

// Interface converts the value for use as an encoder property.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindNum:
		return v.num
	case KindInt:
		return v.i
	case KindStr:
		return v.str
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNum:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindStr:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Feature is a single chart object: geometry in WGS84 lon/lat, the S-57
// object class acronym and a bag of typed attributes.
type Feature struct {
	OBJL  string
	Geom  orb.Geometry
	Attrs map[string]Value
}

// NewFeature builds a feature with an empty attribute bag.
func NewFeature(objl string, geom orb.Geometry) *Feature {
	return &Feature{OBJL: objl, Geom: geom, Attrs: make(map[string]Value)}
}

// Num looks up a numeric attribute; missing or non-numeric reports ok=false.
func (f *Feature) Num(name string) (float64, bool) {
	v, ok := f.Attrs[name]
	if !ok {
		return 0, false
	}
	return v.Float()
}

// Text looks up a string attribute.
func (f *Feature) Text(name string) (string, bool) {
	v, ok := f.Attrs[name]
	if !ok {
		return "", false
	}
	return v.Text()
}

// Set stores an attribute value.
func (f *Feature) Set(name string, v Value) { f.Attrs[name] = v }

func (f *Feature) String() string {
	return fmt.Sprintf("%s(%d attrs)", f.OBJL, len(f.Attrs))
}

// BBox is a geographic bounding box in WGS84: west, south, east, north.
type BBox struct {
	West  float64
	South float64
	East  float64
	North float64
}

// Contains reports whether the point lies inside the box.
func (b BBox) Contains(lon, lat float64) bool {
	return lon >= b.West && lon <= b.East && lat >= b.South && lat <= b.North
}

// Intersects reports whether two boxes overlap.
func (b BBox) Intersects(o BBox) bool {
	return b.West <= o.East && o.West <= b.East && b.South <= o.North && o.South <= b.North
}

// Bound converts to an orb.Bound.
func (b BBox) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{b.West, b.South}, Max: orb.Point{b.East, b.North}}
}

// Array returns [west, south, east, north].
func (b BBox) Array() [4]float64 { return [4]float64{b.West, b.South, b.East, b.North} }

func (b BBox) String() string {
	return fmt.Sprintf("bbox(%.6f,%.6f,%.6f,%.6f)", b.West, b.South, b.East, b.North)
}
