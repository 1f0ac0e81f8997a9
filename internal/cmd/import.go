package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/navtile/chartsrv/internal/ingest"
	"github.com/navtile/chartsrv/internal/registry"
	"github.com/navtile/chartsrv/internal/scamin"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import chart source data into the data directory",
}

var importENCCmd = &cobra.Command{
	Use:   "enc",
	Short: "Convert an S-57 cell to MBTiles and register it",
	RunE:  runImportENC,
}

var importCM93Cmd = &cobra.Command{
	Use:   "cm93",
	Short: "Convert a CM93 chart directory via the external CLI and register it",
	RunE:  runImportCM93,
}

var importGeoTIFFCmd = &cobra.Command{
	Use:   "geotiff",
	Short: "Convert a GeoTIFF to a cloud-optimized GeoTIFF and register it",
	RunE:  runImportGeoTIFF,
}

var importBatchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Import every recognised chart source under one or more directories",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runImportBatch,
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.AddCommand(importENCCmd, importCM93Cmd, importGeoTIFFCmd, importBatchCmd)

	importCmd.PersistentFlags().String("src", "", "Source file or directory to import")
	importCmd.PersistentFlags().String("name", "", "Dataset name (default derived from the source path)")
	importCmd.PersistentFlags().String("cm93-cli", "", "Path to the CM93 conversion CLI")
	importCmd.PersistentFlags().Int("min-zoom", 0, "Minimum zoom to generate")
	importCmd.PersistentFlags().Int("max-zoom", scamin.MaxZoom, "Maximum zoom to generate")
	importCmd.PersistentFlags().Bool("respect-scamin", true, "Honour SCAMIN visibility during generation")
	importCmd.PersistentFlags().Int("workers", 0, "Parallel conversions for batch import (default GOMAXPROCS)")

	mustBind := func(key string, name string) {
		if err := viper.BindPFlag(key, importCmd.PersistentFlags().Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag: %v", err))
		}
	}
	mustBind("import.src", "src")
	mustBind("import.name", "name")
	mustBind("import.cm93_cli", "cm93-cli")
	mustBind("import.min_zoom", "min-zoom")
	mustBind("import.max_zoom", "max-zoom")
	mustBind("import.respect_scamin", "respect-scamin")
	mustBind("import.workers", "workers")
}

func newPipeline() (*ingest.Pipeline, *registry.Registry, error) {
	if logger == nil {
		initLogging()
	}
	reg, err := registry.Open(registryPath(), registry.Options{
		OSMCommunity: viper.GetBool("osm_use_community"),
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	cli := viper.GetString("import.cm93_cli")
	if cli == "" {
		cli = viper.GetString("opencn_cm93_cli")
	}
	p := ingest.New(ingest.Options{
		DataDir: dataDir(),
		CM93CLI: cli,
		Workers: viper.GetInt("import.workers"),
	}, reg, ingest.DefaultToolchain(), logger)
	return p, reg, nil
}

func importSrc() (string, error) {
	src := viper.GetString("import.src")
	if src == "" {
		return "", fmt.Errorf("--src is required")
	}
	return src, nil
}

func encOptions() ingest.ENCOptions {
	return ingest.ENCOptions{
		Name:          viper.GetString("import.name"),
		RespectSCAMIN: viper.GetBool("import.respect_scamin"),
		MinZoom:       viper.GetInt("import.min_zoom"),
		MaxZoom:       viper.GetInt("import.max_zoom"),
	}
}

func runImportENC(cmd *cobra.Command, args []string) error {
	src, err := importSrc()
	if err != nil {
		return err
	}
	p, reg, err := newPipeline()
	if err != nil {
		return err
	}
	defer reg.Close()
	defer p.Close()

	res, err := p.ImportENC(cmd.Context(), src, encOptions())
	if err != nil {
		return err
	}
	logger.Info("enc import complete", "tiles", res.TilePath, "meta", res.MetaPath, "skipped", res.Skipped)
	return nil
}

func runImportCM93(cmd *cobra.Command, args []string) error {
	src, err := importSrc()
	if err != nil {
		return err
	}
	p, reg, err := newPipeline()
	if err != nil {
		return err
	}
	defer reg.Close()
	defer p.Close()

	res, err := p.ImportCM93(cmd.Context(), src, encOptions())
	if err != nil {
		return err
	}
	logger.Info("cm93 import complete", "tiles", res.TilePath, "meta", res.MetaPath, "skipped", res.Skipped)
	return nil
}

func runImportGeoTIFF(cmd *cobra.Command, args []string) error {
	src, err := importSrc()
	if err != nil {
		return err
	}
	p, reg, err := newPipeline()
	if err != nil {
		return err
	}
	defer reg.Close()
	defer p.Close()

	res, err := p.ImportGeoTIFF(cmd.Context(), src)
	if err != nil {
		return err
	}
	logger.Info("geotiff import complete", "cog", res.TilePath, "meta", res.MetaPath, "skipped", res.Skipped)
	return nil
}

func runImportBatch(cmd *cobra.Command, args []string) error {
	p, reg, err := newPipeline()
	if err != nil {
		return err
	}
	defer reg.Close()
	defer p.Close()

	return p.Batch(cmd.Context(), args, encOptions())
}
