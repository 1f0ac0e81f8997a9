// Package mvt encodes classified chart features into Mapbox Vector Tiles.
package mvt

import (
	"fmt"

	omvt "github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
)

// Extent is the tile-local coordinate extent used for all encoded layers.
const Extent = 4096

// Layer is a named group of features destined for one MVT layer.
type Layer struct {
	Name     string
	Features []*chart.Feature
}

// Encode projects the layers into tile coordinates and marshals them. The
// OBJL acronym is replaced with its compact dictionary code so tiles stay
// small; classes without a code keep the acronym as a string property.
func Encode(z, x, y int, layers []Layer) ([]byte, error) {
	tile := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))

	out := make(omvt.Layers, 0, len(layers))
	for _, l := range layers {
		if len(l.Features) == 0 {
			continue
		}
		fc := geojson.NewFeatureCollection()
		for _, f := range l.Features {
			fc.Append(toGeoJSON(f))
		}
		layer := omvt.NewLayer(l.Name, fc)
		layer.Version = 2
		layer.Extent = Extent
		layer.ProjectToTile(tile)
		out = append(out, layer)
	}

	data, err := omvt.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal tile %d/%d/%d: %w", z, x, y, err)
	}
	return data, nil
}

func toGeoJSON(f *chart.Feature) *geojson.Feature {
	gj := geojson.NewFeature(f.Geom)
	props := make(geojson.Properties, len(f.Attrs)+1)
	for name, v := range f.Attrs {
		if iv := v.Interface(); iv != nil {
			props[name] = iv
		}
	}
	if code, ok := dict.Code(f.OBJL); ok {
		props["OBJL"] = code
	} else {
		props["OBJL"] = f.OBJL
	}
	gj.Properties = props
	return gj
}
