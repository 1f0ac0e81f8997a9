// Package scamin maps S-57 minimum display scales to Web Mercator zoom
// levels and carries the CM93 portrayal band tables used for zoom gating.
package scamin

import "math"

// zoomEntry pairs a scale denominator with the zoom at which objects carrying
// that SCAMIN become visible. Ordered by descending scale.
type zoomEntry struct {
	Scale float64
	Zoom  int
}

var zoomTable = []zoomEntry{
	{50000000, 0},
	{20000000, 2},
	{12000000, 3},
	{6000000, 4},
	{3000000, 5},
	{1500000, 6},
	{700000, 7},
	{350000, 8},
	{180000, 9},
	{90000, 10},
	{45000, 11},
	{22000, 12},
	{12000, 13},
	{8000, 14},
	{4000, 15},
	{2000, 16},
}

// MaxZoom is the deepest zoom the table maps to.
const MaxZoom = 16

// ToZoom returns the zoom at which an object with the given SCAMIN scale
// denominator becomes visible. Non-finite or non-positive input maps to 0;
// scales below the smallest table entry clamp to MaxZoom.
func ToZoom(scamin float64) int {
	if math.IsNaN(scamin) || math.IsInf(scamin, 0) || scamin <= 0 {
		return 0
	}
	for _, e := range zoomTable {
		if scamin >= e.Scale {
			return e.Zoom
		}
	}
	return MaxZoom
}

// ZoomLimits derives the (minzoom, maxzoom) pair recorded in ingest sidecars
// for a feature's SCAMIN.
func ZoomLimits(scamin float64) (int, int) {
	z := ToZoom(scamin)
	return z, z + 2
}

// Visible reports whether an object carrying the given SCAMIN scale
// denominator should be drawn at zoom z. Objects without a SCAMIN attribute
// have no rule and are drawn at every zoom; callers skip the check for them.
func Visible(scamin float64, z int) bool {
	return ToZoom(scamin) <= z
}

// zoom bands from the CM93 portrayal schema, coarse to fine.
var bands = []struct {
	Name    string
	Members []string
}{
	{"overview", []string{"LNDARE", "DEPARE", "COALNE", "SEAARE"}},
	{"general", []string{"DEPCNT", "LNDRGN", "RIVERS", "LAKARE"}},
	{"coastal", []string{"LIGHTS", "WRECKS", "OBSTRN", "CBLSUB", "FAIRWY"}},
	{"approach", []string{"BOYCAR", "BOYISD", "BOYLAT", "BOYSAW", "BOYSPP", "UWTROC", "ROCKS"}},
	{"harbor", []string{"BCNCAR", "BCNISD", "BCNLAT", "BCNSAW", "BCNSPP", "SOUNDG", "PONTON", "MORFAC"}},
	{"berthing", []string{"CBLARE", "PIPARE", "PILPNT", "SLCONS"}},
}

// ZoomBandFor returns the portrayal band containing the object class, or ""
// when the class is not banded.
func ZoomBandFor(objl string) string {
	for _, b := range bands {
		for _, m := range b.Members {
			if m == objl {
				return b.Name
			}
		}
	}
	return ""
}
