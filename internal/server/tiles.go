package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/render"
)

// tileAddress is the parsed route portion of a tile request.
type tileAddress struct {
	z, x, y int
	format  string
}

// parseTileAddress reads {z}/{x}/{y} path values; a format suffix on y
// (".png", ".pbf", ".mvt", ".webp") wins over the default, and an explicit
// fmt query parameter wins over both.
func parseTileAddress(r *http.Request, defaultFormat string) (tileAddress, error) {
	rawY := r.PathValue("y")
	format := defaultFormat
	if i := strings.LastIndexByte(rawY, '.'); i >= 0 {
		switch ext := rawY[i+1:]; ext {
		case "png", "webp", "mvt":
			format = ext
		case "pbf":
			format = "mvt"
		default:
			return tileAddress{}, render.Errorf(render.KindUnsupportedFormat, "unknown tile extension %q", ext)
		}
		rawY = rawY[:i]
	}
	if f := r.URL.Query().Get("fmt"); f != "" {
		format = f
	}

	z, errZ := strconv.Atoi(r.PathValue("z"))
	x, errX := strconv.Atoi(r.PathValue("x"))
	y, errY := strconv.Atoi(rawY)
	if errZ != nil || errX != nil || errY != nil {
		return tileAddress{}, render.Errorf(render.KindInvalidTile, "non-numeric tile coordinates")
	}
	return tileAddress{z: z, x: x, y: y, format: format}, nil
}

// parseContours reads the depth parameters: `sc` collapses all three onto one
// safety contour, otherwise safety/shallow/deep override the defaults
// individually.
func (s *Server) parseContours(r *http.Request) chart.ContourConfig {
	q := r.URL.Query()
	if sc := q.Get("sc"); sc != "" {
		if v, err := strconv.ParseFloat(sc, 64); err == nil {
			return chart.UniformContours(v)
		}
	}
	cfg := s.cfg.Contours
	read := func(name string, dst *float64) {
		if raw := q.Get(name); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				*dst = v
			}
		}
	}
	read("safety", &cfg.Safety)
	read("shallow", &cfg.Shallow)
	read("deep", &cfg.Deep)
	return cfg
}

// serveTile runs the render and writes the response with the full tile
// header set.
func (s *Server) serveTile(w http.ResponseWriter, r *http.Request, req render.Request) {
	entry, state, err := s.renderer.Render(r.Context(), req)
	if err != nil {
		s.log.Warn("tile render failed",
			"dataset", req.Dataset, "z", req.Z, "x", req.X, "y", req.Y, "error", err)
		s.writeError(w, err)
		return
	}

	h := w.Header()
	h.Set("Content-Type", entry.MediaType)
	h.Set("Cache-Control", "public, max-age=60")
	h.Set("ETag", entry.ETag)
	h.Set("Vary", "Accept-Encoding")
	h.Set("X-Tile-Cache", string(state))

	if len(entry.Bytes) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Header.Get("If-None-Match") == entry.ETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Write(entry.Bytes)
}

func (s *Server) handleCM93(w http.ResponseWriter, r *http.Request) {
	addr, err := parseTileAddress(r, "mvt")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveTile(w, r, render.Request{
		Dataset:  "cm93",
		Z:        addr.z,
		X:        addr.x,
		Y:        addr.y,
		Format:   addr.format,
		Contours: s.parseContours(r),
	})
}

// planeHandler serves the cm93-core and cm93-label sub-pyramids, MVT only.
func (s *Server) planeHandler(plane string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr, err := parseTileAddress(r, "mvt")
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.serveTile(w, r, render.Request{
			Dataset:  "cm93",
			Plane:    plane,
			Z:        addr.z,
			X:        addr.x,
			Y:        addr.y,
			Format:   addr.format,
			Contours: s.parseContours(r),
		})
	}
}

// handleENCDefault serves /tiles/enc/{z}/{x}/{y} from the sole registered ENC
// dataset. With none registered the route is a 404.
func (s *Server) handleENCDefault(w http.ResponseWriter, r *http.Request) {
	recs, err := s.reg.List(registry.KindENC, "", 1, 1)
	if err != nil {
		s.writeError(w, render.Wrap(render.KindExternal, err, "registry"))
		return
	}
	if len(recs) == 0 {
		s.writeError(w, render.Errorf(render.KindNotFound, "no enc datasets registered"))
		return
	}
	s.serveENCTile(w, r, recs[0].ID)
}

func (s *Server) handleENC(w http.ResponseWriter, r *http.Request) {
	s.serveENCTile(w, r, r.PathValue("ds"))
}

func (s *Server) serveENCTile(w http.ResponseWriter, r *http.Request, dataset string) {
	addr, err := parseTileAddress(r, "mvt")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveTile(w, r, render.Request{
		Dataset:  dataset,
		Z:        addr.z,
		X:        addr.x,
		Y:        addr.y,
		Format:   addr.format,
		Contours: s.parseContours(r),
	})
}

func (s *Server) handleGeoTIFF(w http.ResponseWriter, r *http.Request) {
	addr, err := parseTileAddress(r, "png")
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.serveTile(w, r, render.Request{
		Dataset: r.PathValue("cid"),
		Z:       addr.z,
		X:       addr.x,
		Y:       addr.y,
		Format:  addr.format,
	})
}
