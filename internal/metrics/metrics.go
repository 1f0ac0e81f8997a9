// Package metrics exposes the Prometheus instruments for the tile server.
// All collectors live on a private registry so repeated construction in
// tests never panics on duplicate registration.
package metrics

import (
	"net/http"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Tile kinds used as the label on render instruments.
const (
	KindCM93Core  = "cm93-core"
	KindCM93Label = "cm93-label"
	KindENC       = "enc"
	KindGeoTIFF   = "geotiff"
	KindTile      = "tile"
)

// Metrics bundles every instrument the server updates.
type Metrics struct {
	registry *prometheus.Registry

	RenderSeconds  *prometheus.HistogramVec
	TileBytes      *prometheus.CounterVec
	TileSize       *prometheus.GaugeVec
	ResidentMemory prometheus.Gauge
	CacheHits      prometheus.Counter
	GeoTIFFHits    prometheus.Counter
	GeoTIFFErrors  prometheus.Counter
}

// New builds the instrument set on a fresh private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RenderSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tile_render_seconds",
		Help:    "Tile render latency by tile kind.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	m.TileBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tile_bytes_total",
		Help: "Total tile response bytes by tile kind.",
	}, []string{"kind"})

	m.TileSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tile_size_bytes",
		Help: "Size of the most recent tile response by tile kind.",
	}, []string{"kind"})

	m.ResidentMemory = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "process_resident_memory_bytes",
		Help: "Resident memory of the process.",
	})

	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Tile cache hits.",
	})

	m.GeoTIFFHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geotiff_cache_hits",
		Help: "GeoTIFF source cache hits.",
	})

	m.GeoTIFFErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "geotiff_errors",
		Help: "GeoTIFF render errors.",
	})

	m.registry.MustRegister(
		m.RenderSeconds, m.TileBytes, m.TileSize,
		m.ResidentMemory, m.CacheHits, m.GeoTIFFHits, m.GeoTIFFErrors,
	)
	return m
}

// ObserveTile records one tile response: latency, byte counter and the
// last-size gauge for the kind.
func (m *Metrics) ObserveTile(kind string, seconds float64, size int) {
	m.RenderSeconds.WithLabelValues(kind).Observe(seconds)
	m.TileBytes.WithLabelValues(kind).Add(float64(size))
	m.TileSize.WithLabelValues(kind).Set(float64(size))
}

// UpdateMemory refreshes the resident memory gauge from the Go runtime.
func (m *Metrics) UpdateMemory() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	m.ResidentMemory.Set(float64(stats.Sys))
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gather exposes the registry for tests.
func (m *Metrics) Gather() ([]*dto.MetricFamily, error) {
	return m.registry.Gather()
}
