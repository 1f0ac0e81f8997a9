package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/navtile/chartsrv/internal/cache"
	"github.com/navtile/chartsrv/internal/render"
	"github.com/navtile/chartsrv/internal/s52"
	"github.com/navtile/chartsrv/internal/scamin"
)

// writeAsset serves a static document with the asset header set: strong ETag,
// long cache lifetime, conditional-request support.
func writeAsset(w http.ResponseWriter, r *http.Request, contentType string, body []byte) {
	etag := cache.ETagFor(body)
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "public, max-age=3600")
	h.Set("ETag", etag)
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(body)
}

func (s *Server) handleDict(w http.ResponseWriter, r *http.Request) {
	body, err := s.dict.JSON()
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "dictionary"))
		return
	}
	writeAsset(w, r, "application/json", body)
}

func (s *Server) tileJSONHandler(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		doc := map[string]interface{}{
			"tilejson": "3.0.0",
			"name":     name,
			"format":   "pbf",
			"scheme":   "xyz",
			"tiles": []string{
				scheme + "://" + r.Host + "/tiles/" + name + "/{z}/{x}/{y}.pbf",
			},
			"minzoom": 0,
			"maxzoom": scamin.MaxZoom,
			"bounds":  []float64{-180, -85.0511, 180, 85.0511},
			"vector_layers": []map[string]interface{}{
				{"id": "features", "minzoom": 0, "maxzoom": scamin.MaxZoom},
			},
		}
		body, _ := json.Marshal(doc)
		writeAsset(w, r, "application/json", body)
	}
}

// handleStyle serves the MapLibre style for a palette: /style/s52.day.json.
func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	if !strings.HasPrefix(file, "s52.") || !strings.HasSuffix(file, ".json") {
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown style %q", file))
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(file, "s52."), ".json")
	switch name {
	case "day", "dusk", "night":
	default:
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown palette %q", name))
		return
	}
	body, err := json.Marshal(buildStyle(name, s52.PaletteByName(name)))
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "style"))
		return
	}
	writeAsset(w, r, "application/json", body)
}

// buildStyle assembles the chart style from the palette tokens. Depth areas
// are driven by the pre-classified depthBand; the safety contour gets its own
// colour and weight.
func buildStyle(name string, p s52.Palette) map[string]interface{} {
	depthVS := p["DEPVS"]
	if depthVS == "" {
		depthVS = p["DEPIT1"]
	}
	return map[string]interface{}{
		"version": 8,
		"name":    "S-52 " + name,
		"sources": map[string]interface{}{
			"cm93-core":  map[string]interface{}{"type": "vector", "url": "/tiles/cm93-core.tilejson"},
			"cm93-label": map[string]interface{}{"type": "vector", "url": "/tiles/cm93-label.tilejson"},
		},
		"sprite": "/sprites/s52-" + name,
		"glyphs": "/glyphs/{fontstack}/{range}.pbf",
		"layers": []map[string]interface{}{
			{
				"id": "background", "type": "background",
				"paint": map[string]interface{}{"background-color": p["DEPDW"]},
			},
			{
				"id": "depare", "type": "fill", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"==", []interface{}{"get", "OBJL"}, 42},
				"paint": map[string]interface{}{
					"fill-color": []interface{}{
						"match", []interface{}{"get", "depthBand"},
						"VS", depthVS,
						"IM", p["DEPMS"],
						p["DEPDW"],
					},
				},
			},
			{
				"id": "land", "type": "fill", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"==", []interface{}{"get", "OBJL"}, 71},
				"paint":  map[string]interface{}{"fill-color": p["LANDA"]},
			},
			{
				"id": "coastline", "type": "line", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"==", []interface{}{"get", "OBJL"}, 30},
				"paint":  map[string]interface{}{"line-color": p["CSTLN"], "line-width": 1.2},
			},
			{
				"id": "contours", "type": "line", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"==", []interface{}{"get", "OBJL"}, 43},
				"paint": map[string]interface{}{
					"line-color": []interface{}{
						"case", []interface{}{"get", "isSafety"}, p["DEPSC"], p["DEPCN"],
					},
					"line-width": []interface{}{
						"case", []interface{}{"get", "isSafety"}, 2, 1,
					},
				},
			},
			{
				"id": "hazards", "type": "symbol", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"has", "hazardIcon"},
				"layout": map[string]interface{}{
					"icon-image":         []interface{}{"get", "hazardIcon"},
					"icon-allow-overlap": true,
				},
			},
			{
				"id": "navaids", "type": "symbol", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"has", "navaidIcon"},
				"layout": map[string]interface{}{
					"icon-image":         []interface{}{"get", "navaidIcon"},
					"icon-allow-overlap": true,
				},
			},
			{
				"id": "soundings", "type": "circle", "source": "cm93-core", "source-layer": "features",
				"filter": []interface{}{"==", []interface{}{"get", "OBJL"}, 129},
				"paint": map[string]interface{}{
					"circle-radius": 1.5,
					"circle-color":  p["CHBLK"],
				},
			},
			{
				"id": "labels", "type": "symbol", "source": "cm93-label", "source-layer": "features",
				"filter": []interface{}{"has", "text"},
				"layout": map[string]interface{}{
					"text-field": []interface{}{"get", "text"},
					"text-font":  []string{"Noto Sans Regular"},
					"text-size":  10,
				},
				"paint": map[string]interface{}{"text-color": p["CHBLK"]},
			},
		},
	}
}

// handleSprite serves the symbol sheet metadata and image:
// /sprites/s52-day.json and /sprites/s52-day.png. The sheet layout is a
// single row packed in name order.
func (s *Server) handleSprite(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	name := file
	name = strings.TrimSuffix(name, "@2x.json")
	name = strings.TrimSuffix(name, "@2x.png")
	name = strings.TrimSuffix(name, ".json")
	name = strings.TrimSuffix(name, ".png")
	switch name {
	case "s52-day", "s52-dusk", "s52-night":
	default:
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown sprite sheet %q", file))
		return
	}

	names := make([]string, 0, len(s.cfg.Symbols))
	for n := range s.cfg.Symbols {
		names = append(names, n)
	}
	sort.Strings(names)

	if strings.HasSuffix(file, ".json") {
		sheet := make(map[string]interface{}, len(names))
		x := 0
		for _, n := range names {
			info := s.cfg.Symbols[n]
			sheet[n] = map[string]interface{}{
				"width": info.W, "height": info.H,
				"x": x, "y": 0, "pixelRatio": 1,
			}
			x += info.W
		}
		body, _ := json.Marshal(sheet)
		writeAsset(w, r, "application/json", body)
		return
	}

	writeAsset(w, r, "image/png", s.spriteSheet(names))
}

// spriteSheet draws the placeholder strip: one outlined box per symbol. Real
// S-52 artwork is produced by an external atlas builder and would replace
// this file on disk.
func (s *Server) spriteSheet(names []string) []byte {
	width, height := 0, 1
	for _, n := range names {
		info := s.cfg.Symbols[n]
		width += info.W
		if info.H > height {
			height = info.H
		}
	}
	if width == 0 {
		width = 1
	}

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	outline := color.NRGBA{R: 60, G: 60, B: 60, A: 255}
	x := 0
	for _, n := range names {
		info := s.cfg.Symbols[n]
		for i := 0; i < info.W; i++ {
			img.SetNRGBA(x+i, 0, outline)
			img.SetNRGBA(x+i, info.H-1, outline)
		}
		for j := 0; j < info.H; j++ {
			img.SetNRGBA(x, j, outline)
			img.SetNRGBA(x+info.W-1, j, outline)
		}
		x += info.W
	}

	var buf bytes.Buffer
	png.Encode(&buf, img)
	return buf.Bytes()
}

// handleGlyphs serves font PBF ranges from the configured glyph directory.
func (s *Server) handleGlyphs(w http.ResponseWriter, r *http.Request) {
	file := r.PathValue("file")
	if !strings.HasSuffix(file, ".pbf") {
		s.writeError(w, render.Errorf(render.KindNotFound, "unknown glyph file %q", file))
		return
	}
	if s.cfg.GlyphsDir == "" {
		s.writeError(w, render.Errorf(render.KindNotFound, "no glyphs configured"))
		return
	}
	path := filepath.Join(s.cfg.GlyphsDir,
		filepath.Base(r.PathValue("fontstack")), filepath.Base(file))
	body, err := os.ReadFile(path)
	if err != nil {
		s.writeError(w, render.Errorf(render.KindNotFound, "glyph range %s not found", file))
		return
	}
	writeAsset(w, r, "application/x-protobuf", body)
}
