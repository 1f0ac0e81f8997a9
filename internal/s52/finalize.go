package s52

import (
	"math"

	"github.com/navtile/chartsrv/internal/chart"
)

// FinalizeSafety runs the tile-scoped second classification pass over the
// DEPCNT features. When no contour matched the safety depth exactly, the
// closest deeper contour is promoted; with nothing deeper, the closest
// shallower one. Returns the indices whose role must become "safety" so the
// caller applies the mutation; at most one index is returned.
func FinalizeSafety(contours []*chart.Feature, cfg chart.ContourConfig) []int {
	if len(contours) == 0 {
		return nil
	}
	for _, f := range contours {
		if v, ok := f.Attrs["isSafety"]; ok {
			if b, isBool := v.Interface().(bool); isBool && b {
				return nil
			}
		}
	}

	bestDeep, bestShallow := -1, -1
	deepDiff, shallowDiff := math.Inf(1), math.Inf(1)
	for i, f := range contours {
		depth, ok := f.Num("VALDCO")
		if !ok {
			continue
		}
		diff := math.Abs(depth - cfg.Safety)
		if depth > cfg.Safety {
			if diff < deepDiff {
				deepDiff, bestDeep = diff, i
			}
		} else if diff < shallowDiff {
			shallowDiff, bestShallow = diff, i
		}
	}

	switch {
	case bestDeep >= 0:
		return []int{bestDeep}
	case bestShallow >= 0:
		return []int{bestShallow}
	default:
		return nil
	}
}

// ApplySafety mutates the features selected by FinalizeSafety.
func ApplySafety(contours []*chart.Feature, indices []int) {
	for _, i := range indices {
		contours[i].Set("isSafety", chart.Bool(true))
		contours[i].Set("role", chart.Str("safety"))
	}
}
