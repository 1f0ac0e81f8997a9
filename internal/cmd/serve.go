package cmd

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/navtile/chartsrv/internal/cache"
	"github.com/navtile/chartsrv/internal/chart"
	"github.com/navtile/chartsrv/internal/dict"
	"github.com/navtile/chartsrv/internal/mbtiles"
	"github.com/navtile/chartsrv/internal/metrics"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/render"
	"github.com/navtile/chartsrv/internal/s52"
	"github.com/navtile/chartsrv/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chart tiles, styling assets and the registry API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().String("glyphs-dir", "", "Directory with {fontstack}/{range}.pbf glyph files")
	serveCmd.Flags().String("symbols", "", "Symbol atlas JSON overriding the built-in set")
	serveCmd.Flags().Float64("safety", chart.DefaultContours.Safety, "Default safety contour depth in metres")
	serveCmd.Flags().Float64("shallow", chart.DefaultContours.Shallow, "Default shallow contour depth in metres")
	serveCmd.Flags().Float64("deep", chart.DefaultContours.Deep, "Default deep contour depth in metres")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, serveCmd.Flags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("serve.addr", "addr")
	mustBind("serve.glyphs_dir", "glyphs-dir")
	mustBind("serve.symbols", "symbols")
	mustBind("serve.safety", "safety")
	mustBind("serve.shallow", "shallow")
	mustBind("serve.deep", "deep")
}

func runServe(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	if err := os.MkdirAll(dataDir(), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	reg, err := registry.Open(registryPath(), registry.Options{
		OSMCommunity: viper.GetBool("osm_use_community"),
	}, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	scanDirs := []string{dataDir()}
	if extra := viper.GetString("mbtiles_path"); extra != "" {
		scanDirs = append(scanDirs, extra)
	}
	if err := reg.Scan(scanDirs...); err != nil {
		logger.Warn("startup scan failed", "error", err)
	}

	ttl := time.Duration(viper.GetInt("redis_ttl")) * time.Second
	tileCache, err := cache.New(viper.GetInt("geo_lru_size"), viper.GetString("redis_url"), ttl, logger)
	if err != nil {
		return err
	}
	defer tileCache.Close()

	pool, err := mbtiles.NewPool(16, viper.GetInt("mbtiles_cache_size"))
	if err != nil {
		return err
	}
	defer pool.Close()

	symbols := s52.BuiltinAtlas()
	if path := viper.GetString("serve.symbols"); path != "" {
		symbols, err = s52.LoadAtlas(path)
		if err != nil {
			return fmt.Errorf("load symbol atlas: %w", err)
		}
	}

	contours := chart.ContourConfig{
		Safety:  viper.GetFloat64("serve.safety"),
		Shallow: viper.GetFloat64("serve.shallow"),
		Deep:    viper.GetFloat64("serve.deep"),
	}

	met := metrics.New()
	d := dict.New()
	renderer := render.New(render.Config{
		Registry:  reg,
		Cache:     tileCache,
		Metrics:   met,
		Dict:      d,
		Palette:   s52.PaletteByName("day"),
		Symbols:   symbols,
		Pool:      pool,
		RasterMVP: viper.GetBool("raster_mvp"),
		WebP:      viper.GetBool("geo_webp"),
		Log:       logger,
	})
	defer renderer.Close()

	srv := server.New(server.Config{
		Renderer:  renderer,
		Registry:  reg,
		Metrics:   met,
		Dict:      d,
		Symbols:   symbols,
		Contours:  contours,
		DataDir:   dataDir(),
		ENCDir:    viper.GetString("enc_dir"),
		GlyphsDir: viper.GetString("serve.glyphs_dir"),
		ImportAPI: viper.GetBool("import_api_enabled"),
		CM93CLI:   viper.GetString("opencn_cm93_cli"),
		Log:       logger,
	})

	addr := viper.GetString("serve.addr")
	logger.Info("chart tile server listening",
		"addr", addr,
		"data_dir", dataDir(),
		"redis", viper.GetString("redis_url") != "",
		"import_api", viper.GetBool("import_api_enabled"),
	)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	return httpSrv.ListenAndServe()
}
