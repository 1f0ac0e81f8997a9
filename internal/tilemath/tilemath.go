// Package tilemath provides slippy-map tile arithmetic in the Web Mercator
// tile scheme (z/x/y, north-up XYZ ordering).
package tilemath

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"

	"github.com/navtile/chartsrv/internal/chart"
)

// Coords identifies a tile in the Web Mercator tile system.
type Coords struct {
	Z int
	X int
	Y int
}

func (c Coords) String() string {
	return fmt.Sprintf("%d/%d/%d", c.Z, c.X, c.Y)
}

// Valid reports whether x and y fall inside the 2^z grid.
func (c Coords) Valid() bool {
	if c.Z < 0 || c.Z > 24 {
		return false
	}
	n := 1 << uint(c.Z)
	return c.X >= 0 && c.X < n && c.Y >= 0 && c.Y < n
}

// Tile converts to a maptile.Tile for the MVT projection step.
func (c Coords) Tile() maptile.Tile {
	return maptile.New(uint32(c.X), uint32(c.Y), maptile.Zoom(c.Z))
}

// TileBounds returns the WGS84 bounding box of tile z/x/y.
func TileBounds(z, x, y int) chart.BBox {
	n := float64(uint64(1) << uint(z))
	west := float64(x)/n*360.0 - 180.0
	east := float64(x+1)/n*360.0 - 180.0
	north := mercatorLat(math.Pi * (1 - 2*float64(y)/n))
	south := mercatorLat(math.Pi * (1 - 2*float64(y+1)/n))
	return chart.BBox{West: west, South: south, East: east, North: north}
}

// Bounds is the method form of TileBounds.
func (c Coords) Bounds() chart.BBox { return TileBounds(c.Z, c.X, c.Y) }

// BBoxToXYZ inverts TileBounds for tile-aligned boxes: x from the west edge,
// y rounded from the north edge so that the round-trip is exact.
func BBoxToXYZ(z int, b chart.BBox) (x, y int) {
	n := float64(uint64(1) << uint(z))
	x = int(math.Floor((b.West + 180.0) / 360.0 * n))
	latRad := b.North * math.Pi / 180.0
	v := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	y = int(math.Round(v))
	max := int(n) - 1
	if x > max {
		x = max
	}
	if y > max {
		y = max
	}
	return x, y
}

func mercatorLat(mercY float64) float64 {
	return 180.0 / math.Pi * math.Atan(math.Sinh(mercY))
}

// metresPerDegree is the length of one degree of latitude, and of one degree
// of longitude at the equator.
const metresPerDegree = 111320.0

// MeterOffsetToDegrees converts a metre displacement at the given latitude
// into degree offsets (dLon, dLat). At the poles the east-west component
// degenerates to zero.
func MeterOffsetToDegrees(latDeg, dxMeters, dyMeters float64) (dLon, dLat float64) {
	dLat = dyMeters / metresPerDegree
	if math.Abs(latDeg) >= 90 {
		return 0, dLat
	}
	c := math.Cos(latDeg * math.Pi / 180.0)
	return dxMeters / (metresPerDegree * c), dLat
}

// XYZToTMS flips the tile row between north-up XYZ and the south-up TMS
// ordering used inside MBTiles. The conversion is its own inverse.
func XYZToTMS(z, y int) int {
	return (1 << uint(z)) - 1 - y
}

// TileRange enumerates the tiles covering a bbox across a zoom span.
type TileRange struct {
	MinZ, MaxZ int
	BBox       chart.BBox
}

// ForEach calls fn for every tile in the range, lowest zoom first.
func (r TileRange) ForEach(fn func(Coords)) {
	for z := r.MinZ; z <= r.MaxZ; z++ {
		minX := LonToX(z, r.BBox.West)
		maxX := LonToX(z, r.BBox.East)
		minY := LatToY(z, r.BBox.North)
		maxY := LatToY(z, r.BBox.South)
		if minX > maxX {
			minX, maxX = maxX, minX
		}
		if minY > maxY {
			minY, maxY = maxY, minY
		}
		for x := minX; x <= maxX; x++ {
			for y := minY; y <= maxY; y++ {
				fn(Coords{Z: z, X: x, Y: y})
			}
		}
	}
}

// LonToX returns the tile column containing a longitude.
func LonToX(z int, lon float64) int {
	n := float64(uint64(1) << uint(z))
	x := int(math.Floor((lon + 180.0) / 360.0 * n))
	return clampTile(z, x)
}

// LatToY returns the tile row containing a latitude.
func LatToY(z int, lat float64) int {
	n := float64(uint64(1) << uint(z))
	latRad := lat * math.Pi / 180.0
	y := int(math.Floor((1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n))
	return clampTile(z, y)
}

func clampTile(z, v int) int {
	max := (1 << uint(z)) - 1
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}
