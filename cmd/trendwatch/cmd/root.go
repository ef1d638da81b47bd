package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string
	baseUrl    string
)

var rootCmd = &cobra.Command{
	Use:   "trendwatch",
	Short: "trendwatch tracks accounts, videos and live rooms on a short video platform.",
	Long: `trendwatch tracks accounts, videos and live rooms on a short video platform.

"trendwatch serve" runs the collector and its api, every other command talks
to a running server at $TRENDWATCH_URL (default http://localhost:8000) using
the bearer token in $TRENDWATCH_ACCESS_TOKEN if set.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging.")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.json5", "Path to the config file (json5 or yaml).")

	baseUrl = os.Getenv("TRENDWATCH_URL")
	if baseUrl == "" {
		baseUrl = "http://localhost:8000"
	}
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
