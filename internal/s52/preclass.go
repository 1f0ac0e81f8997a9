package s52

import (
	"math"
	"sort"
	"strings"

	"github.com/navtile/chartsrv/internal/chart"
)

// hazardClasses are the point obstruction classes that can earn a danger
// symbol when they infringe the mariner's safety depth.
var hazardClasses = map[string]bool{
	"OBSTRN": true,
	"WRECKS": true,
	"UWTROC": true,
	"ROCKS":  true,
}

// Classifier attaches S-52 styling hints to chart features. It is cheap to
// construct and safe for concurrent use; all state is read-only.
type Classifier struct {
	cfg     chart.ContourConfig
	colors  Palette
	symbols Atlas
}

// NewClassifier builds a classifier for one tile request. A nil atlas means
// hazard icons are emitted without pixel offsets.
func NewClassifier(cfg chart.ContourConfig, colors Palette, symbols Atlas) *Classifier {
	return &Classifier{cfg: cfg, colors: colors, symbols: symbols}
}

// Classify runs the per-feature phase, writing styling hints into the
// feature's attribute bag. Non-numeric attribute values are treated as
// absent; Classify never fails.
func (c *Classifier) Classify(f *chart.Feature) {
	switch {
	case f.OBJL == "DEPARE":
		c.classifyDepthArea(f)
	case f.OBJL == "DEPCNT":
		c.classifyContour(f)
	case f.OBJL == "SOUNDG":
		depth, ok := f.Num("VALSOU")
		f.Set("isShallow", chart.Bool(ok && depth < c.cfg.Safety))
	case hazardClasses[f.OBJL]:
		c.classifyHazard(f)
	case strings.HasPrefix(f.OBJL, "BCN") || strings.HasPrefix(f.OBJL, "BOY"):
		c.classifyNavaid(f)
	case f.OBJL == "CBLARE" || f.OBJL == "PIPARE":
		c.classifyLinework(f)
	}
	// LNDARE, COALNE and the rest carry static styling in the style sheet.
}

func (c *Classifier) classifyDepthArea(f *chart.Feature) {
	minVal, maxVal := math.NaN(), math.NaN()
	for _, name := range []string{"DRVAL1", "DRVAL2"} {
		v, ok := f.Num(name)
		if !ok {
			continue
		}
		if math.IsNaN(minVal) || v < minVal {
			minVal = v
		}
		if math.IsNaN(maxVal) || v > maxVal {
			maxVal = v
		}
	}

	isShallow := !math.IsNaN(minVal) && minVal < c.cfg.Safety
	f.Set("isShallow", chart.Bool(isShallow))

	if isShallow {
		token := "DEPIT1"
		if _, ok := c.colors["DEPVS"]; ok {
			token = "DEPVS"
		}
		f.Set("fillToken", chart.Str(token))
	} else if !math.IsNaN(maxVal) && maxVal >= c.cfg.Safety {
		f.Set("fillToken", chart.Str("DEPDW"))
	}

	band := "IM"
	if !math.IsNaN(minVal) && minVal < c.cfg.Shallow {
		band = "VS"
	} else if !math.IsNaN(maxVal) && maxVal >= c.cfg.Deep {
		band = "DW"
	}
	f.Set("depthBand", chart.Str(band))
}

func (c *Classifier) classifyContour(f *chart.Feature) {
	depth, ok := f.Num("VALDCO")
	isSafety := ok && depth == c.cfg.Safety
	quapos, _ := f.Num("QUAPOS")

	f.Set("isSafety", chart.Bool(isSafety))
	f.Set("isLowAcc", chart.Bool(quapos >= 2))
	role := "normal"
	if isSafety {
		role = "safety"
	}
	f.Set("role", chart.Str(role))
}

func (c *Classifier) classifyHazard(f *chart.Feature) {
	depth, hasDepth := f.Num("VALSOU")
	watlev, hasWatlev := f.Attrs["WATLEV"]
	watlevInt, watlevOK := int64(0), false
	if hasWatlev {
		watlevInt, watlevOK = watlev.Int64()
	}

	shallow := hasDepth && depth < c.cfg.Safety
	drying := watlevOK && (watlevInt == 1 || watlevInt == 2)
	if !shallow && !drying {
		return
	}

	icon := "ISODGR51"
	if f.OBJL == "WRECKS" && shallow {
		icon = "DANGER51"
	} else if f.OBJL == "ROCKS" && !drying {
		icon = "ROCKS01"
	}
	f.Set("hazardIcon", chart.Str(icon))

	if meta, ok := c.symbols[icon]; ok {
		f.Set("hazardOffX", chart.Int(int64(math.Round(float64(meta.W)/2-meta.AnchorX))))
		f.Set("hazardOffY", chart.Int(int64(math.Round(float64(meta.H)/2-meta.AnchorY))))
	}
	if watlevOK {
		f.Set("hazardWatlev", chart.Int(watlevInt))
	}
	if c.cfg.HazardBuffer > 0 {
		f.Set("hazardBuffer", chart.Num(c.cfg.HazardBuffer))
	}
}

func (c *Classifier) classifyNavaid(f *chart.Feature) {
	// The category attribute varies by class (CATLAM, CATCAM, ...); take the
	// first CAT* present, in name order so the icon is deterministic.
	var catNames []string
	for name := range f.Attrs {
		if strings.HasPrefix(name, "CAT") {
			catNames = append(catNames, name)
		}
	}
	sort.Strings(catNames)
	if len(catNames) > 0 {
		f.Set("navaidIcon", chart.Str(f.OBJL+"_"+f.Attrs[catNames[0]].String()))
	}

	if orient, ok := f.Num("ORIENT"); ok {
		f.Set("orient", chart.Num(orient))
	}
	if name, ok := f.Text("OBJNAM"); ok {
		f.Set("name", chart.Str(name))
	} else if name, ok := f.Text("NOBJNM"); ok {
		f.Set("name", chart.Str(name))
	}
}

func (c *Classifier) classifyLinework(f *chart.Feature) {
	pattern, ok := f.Text("lnstl")
	if !ok {
		pattern, ok = f.Text("LNSTL")
	}
	if !ok {
		return
	}
	switch pattern {
	case "dash", "dot", "dashdot":
		f.Set("linePattern", chart.Str(pattern))
	}
}
