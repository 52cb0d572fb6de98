package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ingest-service",
	Short: "Telemetry event ingestion service",
	Long:  `A service that ingests telemetry event batches, groups occurrences into stacks, tracks sessions and accounts plan usage`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
