// Package main provides the entry point for the Mosaic agent command-line tools.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	apiKey     string
	baseURL    string
	timeout    time.Duration
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mosaic_agent",
	Short: "Mosaic agent run tools",
	Long: `Start Mosaic agent runs, upload videos, manage channel triggers, and follow runs to completion
by polling the status API, receiving webhooks, or both.

Settings are read from built-in defaults, then --config (JSON, YAML or TOML), then MOSAIC_*
environment variables (a .env file is loaded if present), then command-line flags.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a .json, .yaml or .toml config file")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "Mosaic API key (optional, defaults to MOSAIC_API_KEY env var)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Mosaic API base URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-request timeout (default 30s)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print detailed debug information")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
