package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "reportcache",
		Short:         "Report result cache and usage ledger for the reporting applications",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to reportcache config file")

	root.AddCommand(
		newFingerprintCmd(&configPath),
		newComputeCmd(&configPath),
		newCacheCmd(&configPath),
		newSectionsCmd(&configPath),
		newLedgerCmd(&configPath),
		newMCPCmd(&configPath),
	)
	return root
}
