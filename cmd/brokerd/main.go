package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "brokerd",
	Short: "Brokerd - virtual desktop connection broker core",
	Long: `Brokerd keeps pools of virtual desktops provisioned, cached and
assigned. Multiple broker nodes may run against one shared store;
scheduled jobs coordinate through atomic claims so each runs on
exactly one node per cycle.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Brokerd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(resourceCmd)
	rootCmd.AddCommand(jobCmd)
}
