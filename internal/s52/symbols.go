package s52

import (
	"encoding/json"
	"fmt"
	"os"
)

// SymbolInfo describes one presentation-library symbol: raster size in
// pixels, the pivot point within it and whether it rotates with ORIENT.
type SymbolInfo struct {
	W         int     `json:"w"`
	H         int     `json:"h"`
	AnchorX   float64 `json:"anchorX"`
	AnchorY   float64 `json:"anchorY"`
	Rotatable bool    `json:"rotatable,omitempty"`
}

// Atlas maps symbol names to their metadata.
type Atlas map[string]SymbolInfo

// BuiltinAtlas covers the symbols the classifier emits even when no sprite
// metadata file is installed. Anchors match the OpenCPN chartsymbols set.
func BuiltinAtlas() Atlas {
	return Atlas{
		"DANGER51": {W: 20, H: 20, AnchorX: 10, AnchorY: 10},
		"ISODGR51": {W: 22, H: 21, AnchorX: 11, AnchorY: 11},
		"ROCKS01":  {W: 16, H: 16, AnchorX: 8, AnchorY: 8},
		"LIGHTS11": {W: 27, H: 27, AnchorX: 13, AnchorY: 23, Rotatable: true},
		"BCNLAT_1": {W: 14, H: 22, AnchorX: 7, AnchorY: 21, Rotatable: true},
		"BCNLAT_2": {W: 14, H: 22, AnchorX: 7, AnchorY: 21, Rotatable: true},
		"BOYLAT_1": {W: 16, H: 18, AnchorX: 8, AnchorY: 16},
		"BOYLAT_2": {W: 16, H: 18, AnchorX: 8, AnchorY: 16},
	}
}

// LoadAtlas reads symbol metadata from a JSON file and overlays it on the
// builtin set, so a partial file still leaves the defaults usable.
func LoadAtlas(path string) (Atlas, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read symbol atlas: %w", err)
	}
	var loaded Atlas
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("parse symbol atlas %s: %w", path, err)
	}
	atlas := BuiltinAtlas()
	for name, info := range loaded {
		atlas[name] = info
	}
	return atlas, nil
}
