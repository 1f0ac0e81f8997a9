// Package cmd implements the chartsrv command line: serve, import and scan.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chartsrv",
	Short: "Marine chart tile server",
	Long: `chartsrv serves S-57/CM93 derived vector chart tiles with S-52
pre-classification, GeoTIFF raster tiles, and the styling assets to render
them, backed by a SQLite dataset registry.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Directory for registered chart artefacts")
	rootCmd.PersistentFlags().String("registry", "", "Registry database path (default <data-dir>/registry.sqlite)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable verbose logging")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("data_dir", "data-dir")
	mustBind("registry", "registry")
	mustBind("verbose", "verbose")
}

// envKeys are the environment switches honoured with and without the
// CHARTSRV_ prefix.
var envKeys = map[string]string{
	"redis_url":          "REDIS_URL",
	"redis_ttl":          "REDIS_TTL",
	"enc_dir":            "ENC_DIR",
	"mbtiles_path":       "MBTILES_PATH",
	"mbtiles_cache_size": "MBTILES_CACHE_SIZE",
	"geo_lru_size":       "GEO_LRU_SIZE",
	"geo_webp":           "GEO_WEBP",
	"raster_mvp":         "RASTER_MVP",
	"import_api_enabled": "IMPORT_API_ENABLED",
	"osm_use_community":  "OSM_USE_COMMUNITY",
	"opencn_cm93_cli":    "OPENCN_CM93_CLI",
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("CHARTSRV")
	viper.AutomaticEnv()
	for key, env := range envKeys {
		if err := viper.BindEnv(key, "CHARTSRV_"+env, env); err != nil {
			panic(fmt.Sprintf("failed to bind env: %v", err))
		}
	}

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

func dataDir() string {
	return viper.GetString("data_dir")
}

func registryPath() string {
	if p := viper.GetString("registry"); p != "" {
		return p
	}
	return dataDir() + "/registry.sqlite"
}
