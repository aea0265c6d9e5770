// Package commands implements the uniquectl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for commands that produce
	// structured data (table or json).
	outputFormat string

	// busAddr overrides the bus address the client dials; empty means the
	// session bus.
	busAddr string
)

// rootCmd is the top-level cobra command for uniquectl.
var rootCmd = &cobra.Command{
	Use:   "uniquectl",
	Short: "CLI client for the uniqued daemon",
	Long:  "uniquectl exercises the uniqued content-dedup daemon from the command line: submit a file and inspect dedup statistics.",

	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&busAddr, "bus-addr", "",
		"D-Bus address to connect to (defaults to the session bus)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().StringVar(&metricsURL, "metrics-url", "http://localhost:9390/metrics",
		"uniqued Prometheus metrics endpoint (used by stat)")

	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(statCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
