// Package cmd defines the tilefetch command line interface.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tilefetch",
	Short: "Bulk map tile downloader and MBTiles packager",
	Long: `tilefetch downloads XYZ map tiles for configured geographic areas,
paces requests through pluggable strategies, rotates egress proxies, and
packs the results into MBTiles archives for distribution.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default reads TILEFETCH_* environment variables)")
}
