// Package server is the HTTP surface of the chart tile server: tile routes
// for the CM93, ENC and GeoTIFF pyramids, the registry API, styling assets
// and observability endpoints.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
	"github.com/navtile/chartsrv/internal/metrics"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/render"
	"github.com/navtile/chartsrv/internal/s52"
)

// Config wires the server's collaborators and switches.
type Config struct {
	Renderer *render.Renderer
	Registry *registry.Registry
	Metrics  *metrics.Metrics
	Dict     *dict.Dict
	Symbols  s52.Atlas

	// Contours are the process defaults applied when a request carries no
	// depth parameters.
	Contours chart.ContourConfig

	// DataDir holds the registered artefacts; ENCDir is the raw source
	// directory reported by /config/datasource.
	DataDir string
	ENCDir  string

	// GlyphsDir holds {fontstack}/{range}.pbf files; empty means no glyphs.
	GlyphsDir string

	// ImportAPI enables the /admin/import routes.
	ImportAPI bool
	// ImportBin is the executable spawned for detached imports; empty
	// resolves to the running binary.
	ImportBin string
	// CM93CLI is passed through to spawned cm93 imports.
	CM93CLI string

	Log *slog.Logger
}

// Server carries the handler state. Build one with New and mount Handler().
type Server struct {
	cfg      Config
	renderer *render.Renderer
	reg      *registry.Registry
	met      *metrics.Metrics
	dict     *dict.Dict
	log      *slog.Logger
	mux      *http.ServeMux
}

// New assembles the route table.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Contours == (chart.ContourConfig{}) {
		cfg.Contours = chart.DefaultContours
	}
	s := &Server{
		cfg:      cfg,
		renderer: cfg.Renderer,
		reg:      cfg.Registry,
		met:      cfg.Metrics,
		dict:     cfg.Dict,
		log:      cfg.Log,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	mux := s.mux

	// Tile pyramids.
	mux.HandleFunc("GET /tiles/cm93/dict.json", s.handleDict)
	mux.HandleFunc("GET /tiles/cm93-core.tilejson", s.tileJSONHandler("cm93-core"))
	mux.HandleFunc("GET /tiles/cm93-label.tilejson", s.tileJSONHandler("cm93-label"))
	mux.HandleFunc("GET /tiles/cm93/{z}/{x}/{y}", s.handleCM93)
	mux.HandleFunc("GET /tiles/cm93-core/{z}/{x}/{y}", s.planeHandler("core"))
	mux.HandleFunc("GET /tiles/cm93-label/{z}/{x}/{y}", s.planeHandler("label"))
	mux.HandleFunc("GET /tiles/enc/{z}/{x}/{y}", s.handleENCDefault)
	mux.HandleFunc("GET /tiles/enc/{ds}/{z}/{x}/{y}", s.handleENC)
	mux.HandleFunc("GET /tiles/geotiff/{cid}/{z}/{x}/{y}", s.handleGeoTIFF)

	// The titiler-compatible prefix serves the same pyramids.
	mux.HandleFunc("GET /titiler/tiles/", func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = strings.TrimPrefix(r.URL.Path, "/titiler")
		s.mux.ServeHTTP(w, r2)
	})

	// Styling assets.
	mux.HandleFunc("GET /style/{file}", s.handleStyle)
	mux.HandleFunc("GET /sprites/{file}", s.handleSprite)
	mux.HandleFunc("GET /glyphs/{fontstack}/{file}", s.handleGlyphs)

	// Registry API.
	mux.HandleFunc("GET /charts", s.handleChartList)
	mux.HandleFunc("GET /charts/{id}", s.handleChartGet)
	mux.HandleFunc("GET /charts/{id}/thumbnail", s.handleChartThumbnail)
	mux.HandleFunc("POST /charts/scan", s.handleChartScan)

	// Configuration inspection.
	mux.HandleFunc("GET /config/contours", s.handleConfigContours)
	mux.HandleFunc("GET /config/datasource", s.handleConfigDatasource)

	// Observability.
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		s.met.UpdateMemory()
		s.met.Handler().ServeHTTP(w, r)
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.cfg.ImportAPI {
		mux.HandleFunc("POST /admin/import/{kind}", s.handleAdminImport)
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return withCORS(withGzip(s.mux))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError renders the JSON error body at the status the error kind maps to.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := render.KindOf(err).HTTPStatus()
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
