package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonathan/mosaic-agent/internal/eventstore"
	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCommand = &cobra.Command{
	Use:   "run",
	Short: "Start an agent run on one or more videos",
	Long: `Start a Mosaic agent run.

--watch polls the run until it finishes. --listen starts the webhook receiver first and, unless
--callback-url is given, registers <public-url>/webhook as the run's callback. With both, the
poller and the receiver share one run history and the watch ends as soon as either sees the run
finish.`,
	RunE: runAgentCmd,
}

var (
	runAgentID     string
	runVideoIDs    []string
	runCallbackURL string
	runWatch       bool
	runListenFlag  bool
	runListenOpts  listenerFlags
	runPoll        pollFlags
)

func init() {
	runCommand.Flags().StringVar(&runAgentID, "agent-id", "", "Agent ID (optional, defaults to MOSAIC_AGENT_ID env var)")
	runCommand.Flags().StringSliceVar(&runVideoIDs, "video-ids", nil, "Comma-separated video IDs to process")
	runCommand.Flags().StringVar(&runCallbackURL, "callback-url", "", "Webhook URL notified about run progress")
	runCommand.Flags().BoolVarP(&runWatch, "watch", "w", false, "Poll the run until it completes or fails")
	runCommand.Flags().BoolVar(&runListenFlag, "listen", false, "Receive the run's webhooks on a local listener")
	addListenerFlags(runCommand, &runListenOpts)
	addPollFlags(runCommand, &runPoll)

	rootCmd.AddCommand(runCommand)
}

func runAgentCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("agent-id") {
		cfg.AgentID = runAgentID
	}
	runListenOpts.apply(cmd, &cfg.Listener)
	runPoll.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	if strings.TrimSpace(cfg.AgentID) == "" {
		return fmt.Errorf("--agent-id is required (or set MOSAIC_AGENT_ID)")
	}
	videoIDs := cleanIDs(runVideoIDs)
	if len(videoIDs) == 0 {
		return fmt.Errorf("provide at least one video ID via --video-ids")
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	logger := newLogger(cfg, cmd.ErrOrStderr())
	printer := observability.NewPrinter(cmd.OutOrStdout())

	callback := runCallbackURL
	var l *listener
	if runListenFlag {
		echo := printer
		if runListenOpts.quiet {
			echo = nil
		}
		if l, err = newListener(cfg.Listener, logger, echo); err != nil {
			return err
		}

		publicURL, proc, err := resolvePublicURL(ctx, cfg.Listener, runListenOpts.ngrok, logger)
		if err != nil {
			return err
		}
		defer func() { _ = proc.Stop() }()

		printer.PrintListenerBanner(l.bannerInfo(publicURL, runListenOpts.secretSource(cmd, cfg.Listener)))
		if callback == "" {
			callback = callbackURL(publicURL)
		}
		if callback == "" {
			printer.Printf("No public URL for %s; the API cannot deliver webhooks. Use --public-url or --ngrok.", l.localURL())
		}
	}
	if callback != "" && !mosaic.ValidCallbackURL(callback) {
		return fmt.Errorf("invalid callback URL %q", callback)
	}

	var store *eventstore.Store
	if l != nil {
		store = l.store
	} else {
		store = newStore(cfg.Listener)
	}

	// The listener outlives a finished watch only when nothing is watched.
	serveCtx, stopServing := context.WithCancel(ctx)
	defer stopServing()

	g, gctx := errgroup.WithContext(serveCtx)
	if l != nil {
		ln, err := l.bind()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return l.server.Serve(gctx, ln)
		})
	}

	g.Go(func() error {
		if runWatch {
			defer stopServing()
		}

		runID, err := client.StartRun(gctx, mosaic.StartRunRequest{
			AgentID:     cfg.AgentID,
			VideoIDs:    videoIDs,
			CallbackURL: callback,
		})
		if err != nil {
			return err
		}
		printer.Printf("✅ Run started\nrun_id %s", runID)
		if callback != "" {
			printer.Printf("Callback: %s", callback)
		}

		if !runWatch {
			return nil
		}
		return watchError(watchRun(gctx, client, store, cfg, printer, logger, runID))
	})

	return g.Wait()
}

// cleanIDs trims IDs and drops empty entries.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
