package main

import (
	"fmt"

	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/jonathan/mosaic-agent/internal/runstatus"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [RUN_ID]",
	Short: "Show the status of an agent run",
	Long: `Query the status of an agent run once, or with --watch poll it until it completes, fails,
exceeds --deadline, or keeps failing for --max-attempts consecutive queries.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusRunID string
	statusWatch bool
	statusJSON  bool
	statusPoll  pollFlags
)

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run-id", "", "Run ID (alternative to the positional argument)")
	statusCmd.Flags().BoolVarP(&statusWatch, "watch", "w", false, "Poll until the run completes or fails")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw API response")
	addPollFlags(statusCmd, &statusPoll)
	rootCmd.AddCommand(statusCmd)
}

// runIDArg takes the run ID from the positional argument or --run-id.
func runIDArg(args []string, flag string) (string, error) {
	switch {
	case len(args) > 0 && flag != "" && args[0] != flag:
		return "", fmt.Errorf("conflicting run IDs %q and --run-id %q", args[0], flag)
	case len(args) > 0:
		return args[0], nil
	case flag != "":
		return flag, nil
	default:
		return "", fmt.Errorf("a run ID is required (positional argument or --run-id)")
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	runID, err := runIDArg(args, statusRunID)
	if err != nil {
		return err
	}

	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	statusPoll.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	printer := observability.NewPrinter(cmd.OutOrStdout())

	if !statusWatch {
		resp, err := client.GetRunStatus(ctx, runID)
		if err != nil {
			return err
		}
		if statusJSON {
			printer.PrintJSON("RUN STATUS", resp.Raw)
			return nil
		}
		printer.PrintRunStatus(runstatus.ApplySnapshot(nil, resp.Snapshot()))
		return nil
	}

	res := watchRun(ctx, client, newStore(cfg.Listener), cfg, printer, newLogger(cfg, cmd.ErrOrStderr()), runID)
	return watchError(res)
}
