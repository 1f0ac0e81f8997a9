package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"

	"github.com/gen2brain/webp"
	"github.com/paulmach/orb"
	"golang.org/x/image/vector"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/s52"
)

// TileSize is the raster edge length in pixels.
const TileSize = 256

// rasterizer draws pre-classified features onto one map tile. It is the
// minimum viable raster path: flat fills and stamped strokes, no symbology.
type rasterizer struct {
	z, x, y int
	colors  s52.Palette
}

func (r *rasterizer) render(features []*chart.Feature) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	fillRect(img, img.Bounds(), r.color("DEPDW"))

	// Polygons first so lines and points stay visible on top.
	for _, f := range features {
		if isAreal(f.Geom) {
			r.drawFeature(img, f)
		}
	}
	for _, f := range features {
		if !isAreal(f.Geom) {
			r.drawFeature(img, f)
		}
	}
	return img
}

func isAreal(g orb.Geometry) bool {
	switch g.(type) {
	case orb.Polygon, orb.MultiPolygon, orb.Ring:
		return true
	}
	return false
}

func (r *rasterizer) drawFeature(dst *image.NRGBA, f *chart.Feature) {
	col := r.colorFor(f)
	switch g := f.Geom.(type) {
	case orb.Polygon:
		r.fillPolygon(dst, g, col)
	case orb.MultiPolygon:
		for _, p := range g {
			r.fillPolygon(dst, p, col)
		}
	case orb.Ring:
		r.fillPolygon(dst, orb.Polygon{g}, col)
	case orb.LineString:
		r.strokeLineString(dst, g, col, r.strokeWidth(f))
	case orb.MultiLineString:
		for _, ls := range g {
			r.strokeLineString(dst, ls, col, r.strokeWidth(f))
		}
	case orb.Point:
		x, y := r.lonLatToLocalPx(g[0], g[1])
		drawDisc(dst, x, y, 2, col)
	case orb.MultiPoint:
		for _, pt := range g {
			x, y := r.lonLatToLocalPx(pt[0], pt[1])
			drawDisc(dst, x, y, 2, col)
		}
	}
}

// colorFor picks the palette token the classifier attached, falling back to
// per-class defaults.
func (r *rasterizer) colorFor(f *chart.Feature) color.NRGBA {
	if tok, ok := f.Text("fillToken"); ok {
		return r.color(tok)
	}
	switch f.OBJL {
	case "LNDARE", "LNDRGN":
		return r.color("LANDA")
	case "COALNE", "SLCONS", "PONTON", "MORFAC":
		return r.color("CSTLN")
	case "DEPCNT":
		if role, ok := f.Text("role"); ok && role == "safety" {
			return r.color("DEPSC")
		}
		return r.color("DEPCN")
	case "LIGHTS":
		return r.color("LITYW")
	}
	if v, ok := f.Attrs["isDangerous"]; ok {
		if b, isBool := v.Interface().(bool); isBool && b {
			return r.color("DNGHL")
		}
	}
	return r.color("CHBLK")
}

func (r *rasterizer) strokeWidth(f *chart.Feature) int {
	if f.OBJL == "DEPCNT" {
		if role, ok := f.Text("role"); ok && role == "safety" {
			return 2
		}
	}
	return 1
}

func (r *rasterizer) color(token string) color.NRGBA {
	if hex, ok := r.colors[token]; ok {
		return parseHex(hex)
	}
	return color.NRGBA{A: 255}
}

func parseHex(s string) color.NRGBA {
	if len(s) != 7 || s[0] != '#' {
		return color.NRGBA{A: 255}
	}
	hexByte := func(hi, lo byte) uint8 {
		digit := func(c byte) uint8 {
			switch {
			case c >= '0' && c <= '9':
				return c - '0'
			case c >= 'a' && c <= 'f':
				return c - 'a' + 10
			case c >= 'A' && c <= 'F':
				return c - 'A' + 10
			}
			return 0
		}
		return digit(hi)<<4 | digit(lo)
	}
	return color.NRGBA{
		R: hexByte(s[1], s[2]),
		G: hexByte(s[3], s[4]),
		B: hexByte(s[5], s[6]),
		A: 255,
	}
}

func (r *rasterizer) fillPolygon(dst *image.NRGBA, poly orb.Polygon, col color.NRGBA) {
	if len(poly) == 0 {
		return
	}
	ras := vector.NewRasterizer(TileSize, TileSize)
	for _, ring := range poly {
		if len(ring) < 3 {
			continue
		}
		first := true
		for _, pt := range ring {
			x, y := r.lonLatToLocalPx(pt[0], pt[1])
			if first {
				ras.MoveTo(float32(x), float32(y))
				first = false
			} else {
				ras.LineTo(float32(x), float32(y))
			}
		}
		ras.ClosePath()
	}
	ras.Draw(dst, dst.Bounds(), image.NewUniform(col), image.Point{})
}

func (r *rasterizer) strokeLineString(dst *image.NRGBA, ls orb.LineString, col color.NRGBA, width int) {
	if len(ls) < 2 {
		return
	}
	radius := float64(width) / 2.0
	if radius < 0.75 {
		radius = 0.75
	}
	for i := 0; i < len(ls)-1; i++ {
		x0, y0 := r.lonLatToLocalPx(ls[i][0], ls[i][1])
		x1, y1 := r.lonLatToLocalPx(ls[i+1][0], ls[i+1][1])

		dx := x1 - x0
		dy := y1 - y0
		segLen := math.Hypot(dx, dy)
		if segLen == 0 {
			drawDisc(dst, x0, y0, radius, col)
			continue
		}
		steps := int(math.Ceil(segLen / 0.75))
		for s := 0; s <= steps; s++ {
			t := float64(s) / float64(steps)
			drawDisc(dst, x0+dx*t, y0+dy*t, radius, col)
		}
	}
}

func drawDisc(dst *image.NRGBA, cx, cy, radius float64, col color.NRGBA) {
	minX := int(math.Floor(cx - radius))
	maxX := int(math.Ceil(cx + radius))
	minY := int(math.Floor(cy - radius))
	maxY := int(math.Ceil(cy + radius))
	b := dst.Bounds()
	if minX < b.Min.X {
		minX = b.Min.X
	}
	if minY < b.Min.Y {
		minY = b.Min.Y
	}
	if maxX >= b.Max.X {
		maxX = b.Max.X - 1
	}
	if maxY >= b.Max.Y {
		maxY = b.Max.Y - 1
	}
	r2 := radius * radius
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			dx := (float64(x) + 0.5) - cx
			dy := (float64(y) + 0.5) - cy
			if dx*dx+dy*dy <= r2 {
				dst.SetNRGBA(x, y, col)
			}
		}
	}
}

func fillRect(dst *image.NRGBA, r image.Rectangle, col color.NRGBA) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetNRGBA(x, y, col)
		}
	}
}

// lonLatToLocalPx maps WGS84 lon/lat into this tile's pixel space using
// Web Mercator in global pixel coordinates at the tile's zoom.
func (r *rasterizer) lonLatToLocalPx(lon, lat float64) (float64, float64) {
	n := math.Pow(2, float64(r.z))
	globalX := (lon + 180.0) / 360.0 * n * TileSize

	latRad := lat * math.Pi / 180.0
	mercY := math.Log(math.Tan(math.Pi/4.0 + latRad/2.0))
	globalY := (1.0 - mercY/math.Pi) / 2.0 * n * TileSize

	return globalX - float64(r.x*TileSize), globalY - float64(r.y*TileSize)
}

// blankTile is the fallback raster when no real renderer is available: a
// plain deep-water tile.
func blankTile(colors s52.Palette) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, TileSize, TileSize))
	fillRect(img, img.Bounds(), (&rasterizer{colors: colors}).color("DEPDW"))
	return img
}

// extentCard renders a dataset thumbnail showing its extent over open water.
func extentCard(rec registry.Record, colors s52.Palette) *image.NRGBA {
	img := blankTile(colors)
	r := rasterizer{colors: colors}

	b := rec.Bounds()
	if b.East <= b.West || b.North <= b.South {
		return img
	}
	// Project the extent into the canvas with a 10 percent margin.
	const margin = TileSize / 10
	span := TileSize - 2*margin
	sx := float64(span) / (b.East - b.West)
	sy := float64(span) / (b.North - b.South)
	px := func(lon, lat float64) (int, int) {
		return margin + int((lon-b.West)*sx), margin + int((b.North-lat)*sy)
	}

	x0, y0 := px(b.West, b.North)
	x1, y1 := px(b.East, b.South)
	fillRect(img, image.Rect(x0, y0, x1, y1), r.color("DEPVS"))
	outline := r.color("CSTLN")
	fillRect(img, image.Rect(x0, y0, x1, y0+2), outline)
	fillRect(img, image.Rect(x0, y1-2, x1, y1), outline)
	fillRect(img, image.Rect(x0, y0, x0+2, y1), outline)
	fillRect(img, image.Rect(x1-2, y0, x1, y1), outline)
	return img
}

// encodeRaster serialises an image in the requested raster format.
func encodeRaster(img image.Image, format string) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case "webp":
		if err := webp.Encode(&buf, img, webp.Options{Quality: 85}); err != nil {
			return nil, Wrap(KindExternal, err, "encode webp")
		}
	default:
		if err := png.Encode(&buf, img); err != nil {
			return nil, Wrap(KindExternal, err, "encode png")
		}
	}
	return buf.Bytes(), nil
}
