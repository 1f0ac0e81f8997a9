package scamin

import (
	"math"
	"testing"
)

func TestToZoom(t *testing.T) {
	tests := []struct {
		scamin float64
		want   int
	}{
		{50000000, 0},
		{60000000, 0},
		{20000000, 2},
		{19999999, 3},
		{90000, 10},
		{2000, 16},
		{1999, 16}, // below smallest scale clamps to max
		{1, 16},
		{0, 0},
		{-5, 0},
		{math.NaN(), 0},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		if got := ToZoom(tt.scamin); got != tt.want {
			t.Errorf("ToZoom(%v) = %d, want %d", tt.scamin, got, tt.want)
		}
	}
}

// Shrinking the scale denominator must never decrease the zoom.
func TestToZoomMonotonic(t *testing.T) {
	prev := ToZoom(100000000)
	for s := 100000000.0; s >= 1000; s *= 0.97 {
		z := ToZoom(s)
		if z < prev {
			t.Fatalf("zoom decreased at scale %v: %d < %d", s, z, prev)
		}
		prev = z
	}
}

func TestZoomLimits(t *testing.T) {
	minz, maxz := ZoomLimits(90000)
	if minz != 10 || maxz != 12 {
		t.Fatalf("ZoomLimits(90000) = %d,%d", minz, maxz)
	}
}

func TestVisible(t *testing.T) {
	// SCAMIN 45000 maps to zoom 11.
	if Visible(45000, 8) {
		t.Fatal("detail object visible below its SCAMIN zoom")
	}
	if !Visible(45000, 11) || !Visible(45000, 16) {
		t.Fatal("object hidden at or beyond its SCAMIN zoom")
	}
	// Missing or degenerate SCAMIN maps to zoom 0 and never hides.
	if !Visible(0, 0) || !Visible(math.NaN(), 0) {
		t.Fatal("degenerate SCAMIN must not hide objects")
	}
}

func TestZoomBandFor(t *testing.T) {
	tests := []struct {
		objl string
		want string
	}{
		{"LNDARE", "overview"},
		{"DEPCNT", "general"},
		{"LIGHTS", "coastal"},
		{"BOYLAT", "approach"},
		{"SOUNDG", "harbor"},
		{"PIPARE", "berthing"},
		{"XXXXXX", ""},
	}
	for _, tt := range tests {
		if got := ZoomBandFor(tt.objl); got != tt.want {
			t.Errorf("ZoomBandFor(%s) = %q, want %q", tt.objl, got, tt.want)
		}
	}
}
