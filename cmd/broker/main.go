// Command broker runs the Guacamole session broker: the sync loop and
// lifecycle observer that provision, track, and tear down pre-warmed VNC
// workloads on behalf of the gateway.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Guacamole session broker",
		Long:  "Provisions, tracks, and tears down pre-warmed VNC workloads for the Guacamole gateway.",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to broker.yml (optional, defaults + env applied otherwise)")

	rootCmd.AddCommand(
		serveCmd(),
		migrateCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
