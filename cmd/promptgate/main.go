package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set by build flags)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "promptgate",
		Short: "Text compliance gateway",
		Long: `promptgate gates text through a compliance decision pipeline:
rule matching, pluggable detectors, tiered caching and abuse protection.

Common workflows:
  promptgate serve -c config.yaml      # Run the HTTP API
  promptgate check "some text"         # One-off decision from the CLI`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Override configured log level")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCheckCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
