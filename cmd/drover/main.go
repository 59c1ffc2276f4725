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
	Use:   "drover",
	Short: "Drover - progressive deployment orchestrator for signed artifacts",
	Long: `Drover orchestrates progressive deployment of signed binary artifacts
across per-environment clusters. It advances each release through a
build/test/security-scan/deploy/validate pipeline, picks the rollout
strategy appropriate to the target environment, gates promotions to
Staging and Production behind human approval, and rolls back
automatically when health degrades.`,
	Version: Version,
}

var (
	serverAddr string
	role       string
)

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:7430", "Drover API address")
	rootCmd.PersistentFlags().StringVar(&role, "role", "", "role sent to the API (admin operations require \"admin\")")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(clustersCmd)
}
