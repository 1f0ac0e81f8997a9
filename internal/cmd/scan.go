package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/navtile/chartsrv/internal/registry"
)

var scanCmd = &cobra.Command{
	Use:   "scan [dir...]",
	Short: "Scan directories for chart artefacts and register them",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}
	reg, err := registry.Open(registryPath(), registry.Options{
		OSMCommunity: viper.GetBool("osm_use_community"),
	}, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	dirs := args
	if len(dirs) == 0 {
		dirs = []string{dataDir()}
	}
	if err := reg.Scan(dirs...); err != nil {
		return err
	}
	recs, err := reg.List("", "", 1, 1000)
	if err != nil {
		return err
	}
	logger.Info("scan complete", "dirs", dirs, "datasets", len(recs))
	return nil
}
