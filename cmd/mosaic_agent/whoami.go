package main

import (
	"fmt"

	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Check the API key against the Mosaic API",
	RunE:  runWhoAmI,
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

func runWhoAmI(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	raw, err := client.WhoAmI(ctx)
	if err != nil {
		return fmt.Errorf("authentication check failed: %w", err)
	}
	observability.NewPrinter(cmd.OutOrStdout()).PrintJSON("✅ AUTHENTICATED", raw)
	return nil
}
