package s52

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/navtile/chartsrv/internal/chart"
)

func contours(cls *Classifier, depths ...float64) []*chart.Feature {
	feats := make([]*chart.Feature, 0, len(depths))
	for _, d := range depths {
		f := chart.NewFeature("DEPCNT", orb.LineString{{0, 0}, {0, 1}})
		f.Set("VALDCO", chart.Num(d))
		cls.Classify(f)
		feats = append(feats, f)
	}
	return feats
}

func safetyRoles(feats []*chart.Feature) []int {
	var idx []int
	for i, f := range feats {
		if role, _ := f.Text("role"); role == "safety" {
			idx = append(idx, i)
		}
	}
	return idx
}

func TestFinalizePromotesDeeper(t *testing.T) {
	cfg := chart.ContourConfig{Safety: 10, Shallow: 5, Deep: 30}
	cls := NewClassifier(cfg, Day, nil)
	feats := contours(cls, 5, 15, 20)

	ApplySafety(feats, FinalizeSafety(feats, cfg))

	if got := safetyRoles(feats); len(got) != 1 || got[0] != 1 {
		t.Fatalf("safety roles at %v, want [1]", got)
	}
}

func TestFinalizePromotesShallowWhenNothingDeeper(t *testing.T) {
	cfg := chart.ContourConfig{Safety: 22, Shallow: 5, Deep: 30}
	cls := NewClassifier(cfg, Day, nil)
	feats := contours(cls, 5, 15, 20)

	ApplySafety(feats, FinalizeSafety(feats, cfg))

	if got := safetyRoles(feats); len(got) != 1 || got[0] != 2 {
		t.Fatalf("safety roles at %v, want [2]", got)
	}
}

func TestFinalizeKeepsExactMatch(t *testing.T) {
	cfg := chart.ContourConfig{Safety: 10, Shallow: 5, Deep: 30}
	cls := NewClassifier(cfg, Day, nil)
	feats := contours(cls, 5, 10, 20)

	if idx := FinalizeSafety(feats, cfg); idx != nil {
		t.Fatalf("exact match must not promote, got %v", idx)
	}
	if got := safetyRoles(feats); len(got) != 1 || got[0] != 1 {
		t.Fatalf("safety roles at %v, want [1]", got)
	}
}

func TestFinalizeEmptyAndUnusable(t *testing.T) {
	cfg := chart.ContourConfig{Safety: 10}
	if idx := FinalizeSafety(nil, cfg); idx != nil {
		t.Fatalf("empty input promoted %v", idx)
	}

	f := chart.NewFeature("DEPCNT", orb.LineString{{0, 0}, {0, 1}})
	f.Set("VALDCO", chart.Str("unknown"))
	if idx := FinalizeSafety([]*chart.Feature{f}, cfg); idx != nil {
		t.Fatalf("non-numeric depth promoted %v", idx)
	}
}
