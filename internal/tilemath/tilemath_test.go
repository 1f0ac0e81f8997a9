package tilemath

import (
	"math"
	"testing"

	"github.com/navtile/chartsrv/internal/chart"
)

func TestTileBoundsWorld(t *testing.T) {
	b := TileBounds(0, 0, 0)
	if b.West != -180 || b.East != 180 {
		t.Fatalf("unexpected lon span: %v", b)
	}
	if math.Abs(b.North-85.0511287798) > 1e-6 || math.Abs(b.South+85.0511287798) > 1e-6 {
		t.Fatalf("unexpected lat span: %v", b)
	}
}

func TestBBoxRoundTrip(t *testing.T) {
	cases := []Coords{
		{0, 0, 0},
		{1, 0, 1},
		{3, 7, 2},
		{10, 511, 340},
		{14, 8735, 5410},
		{16, 0, 65535},
	}
	for _, c := range cases {
		b := TileBounds(c.Z, c.X, c.Y)
		x, y := BBoxToXYZ(c.Z, b)
		if x != c.X || y != c.Y {
			t.Errorf("round trip %v -> %d/%d", c, x, y)
		}
	}
}

func TestBBoxRoundTripExhaustiveLowZoom(t *testing.T) {
	for z := 0; z <= 5; z++ {
		n := 1 << uint(z)
		for x := 0; x < n; x++ {
			for y := 0; y < n; y++ {
				b := TileBounds(z, x, y)
				gx, gy := BBoxToXYZ(z, b)
				if gx != x || gy != y {
					t.Fatalf("z=%d: %d/%d -> %d/%d", z, x, y, gx, gy)
				}
			}
		}
	}
}

func TestMeterOffsetToDegrees(t *testing.T) {
	t.Run("equator", func(t *testing.T) {
		dLon, dLat := MeterOffsetToDegrees(0, 1113.2, 0)
		if math.Abs(dLon-0.01) > 1e-6 {
			t.Fatalf("dLon = %v, want ~0.01", dLon)
		}
		if dLat != 0 {
			t.Fatalf("dLat = %v, want 0", dLat)
		}
	})

	t.Run("latitude 60", func(t *testing.T) {
		dLon, _ := MeterOffsetToDegrees(60, 1113.2, 0)
		if math.Abs(dLon-0.02) > 1e-6 {
			t.Fatalf("dLon = %v, want ~0.02", dLon)
		}
	})

	t.Run("pole", func(t *testing.T) {
		dLon, dLat := MeterOffsetToDegrees(90, 1000, 111320)
		if dLon != 0 {
			t.Fatalf("dLon at pole = %v, want 0", dLon)
		}
		if math.Abs(dLat-1.0) > 1e-9 {
			t.Fatalf("dLat = %v, want 1", dLat)
		}
	})
}

func TestXYZToTMSRoundTrip(t *testing.T) {
	for z := 0; z <= 8; z++ {
		for _, y := range []int{0, 1, (1 << uint(z)) - 1} {
			if y >= (1 << uint(z)) {
				continue
			}
			if got := XYZToTMS(z, XYZToTMS(z, y)); got != y {
				t.Fatalf("z=%d y=%d round trip -> %d", z, y, got)
			}
		}
	}
}

func TestCoordsValid(t *testing.T) {
	if !(Coords{0, 0, 0}).Valid() {
		t.Fatal("0/0/0 should be valid")
	}
	if (Coords{0, 0, 99}).Valid() {
		t.Fatal("0/0/99 should be invalid")
	}
	if (Coords{-1, 0, 0}).Valid() {
		t.Fatal("negative zoom should be invalid")
	}
	if (Coords{3, 8, 0}).Valid() {
		t.Fatal("x out of range should be invalid")
	}
}

func TestTileRangeForEach(t *testing.T) {
	r := TileRange{MinZ: 2, MaxZ: 2, BBox: chart.BBox{West: -10, South: -10, East: 10, North: 10}}
	var got []Coords
	r.ForEach(func(c Coords) { got = append(got, c) })
	if len(got) != 4 {
		t.Fatalf("expected 4 tiles around the origin at z2, got %d: %v", len(got), got)
	}
	for _, c := range got {
		if !c.Valid() {
			t.Fatalf("invalid tile %v", c)
		}
	}
}
