package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonathan/mosaic-agent/internal/config"
	"github.com/jonathan/mosaic-agent/internal/eventstore"
	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/jonathan/mosaic-agent/internal/poller"
	"github.com/jonathan/mosaic-agent/internal/runstatus"
	"github.com/spf13/cobra"
)

// loadSettings resolves the effective configuration for cmd: config file,
// then environment, then explicitly set persistent flags, then defaults.
func loadSettings(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = *loaded
	}

	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}

	// Only override if the flag was explicitly set
	if cmd.Flags().Changed("api-key") {
		cfg.APIKey = apiKey
	}
	if cmd.Flags().Changed("base-url") {
		cfg.BaseURL = baseURL
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = config.Duration{Duration: timeout}
	}
	if cmd.Flags().Changed("verbose") {
		cfg.Verbose = verbose
	}

	cfg = cfg.MergeWithDefaults(config.Default())
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newClient builds an API client from cfg. It fails when no usable API key
// is configured.
func newClient(cfg config.Config) (*mosaic.Client, error) {
	key, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	return mosaic.NewClient(mosaic.Options{
		BaseURL:           cfg.BaseURL,
		APIKey:            key,
		Timeout:           cfg.Timeout.Duration,
		RequestsPerSecond: cfg.RequestsPerSecond,
	})
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if cfg.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// commandContext returns cmd's context, cancelled on SIGINT or SIGTERM.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// pollFlags are the watch options shared by status and run.
type pollFlags struct {
	interval    time.Duration
	maxAttempts int
	deadline    time.Duration
}

func addPollFlags(cmd *cobra.Command, f *pollFlags) {
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "Polling interval while watching (default 5s)")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Consecutive failed status queries before giving up (default 5)")
	cmd.Flags().DurationVar(&f.deadline, "deadline", 0, "Stop watching after this long (default: no deadline)")
}

func (f *pollFlags) apply(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("interval") {
		cfg.Poll.Interval = config.Duration{Duration: f.interval}
	}
	if cmd.Flags().Changed("max-attempts") {
		cfg.Poll.MaxAttempts = f.maxAttempts
	}
	if cmd.Flags().Changed("deadline") {
		cfg.Poll.Deadline = config.Duration{Duration: f.deadline}
	}
}

// watchRun polls runID into store until the run settles, echoing every
// status query.
func watchRun(ctx context.Context, fetcher poller.StatusFetcher, store *eventstore.Store, cfg config.Config, printer *observability.Printer, logger *slog.Logger, runID string, opts ...poller.Option) poller.Result {
	opts = append([]poller.Option{
		poller.WithLogger(logger),
		poller.OnUpdate(func(a poller.Attempt, status runstatus.RunStatus) {
			printer.PrintPollUpdate(a.Number, a.At, status, a.Err)
		}),
	}, opts...)

	p := poller.New(fetcher, store, poller.Config{
		Interval:    cfg.Poll.Interval.Duration,
		MaxAttempts: cfg.Poll.MaxAttempts,
		Deadline:    cfg.Poll.Deadline.Duration,
	}, opts...)

	printer.Printf("Watching run %s (every %s)", runID, cfg.Poll.Interval.Duration)
	res := p.Watch(ctx, runID)
	printer.PrintWatchResult(string(res.State), res.Status, res.Attempts, res.Err)
	return res
}

// watchError turns a watch result into the command's exit error.
func watchError(res poller.Result) error {
	switch res.State {
	case poller.StateCompleted, poller.StateCanceled:
		return nil
	case poller.StateFailed:
		return fmt.Errorf("run %s failed: %w", res.RunID, res.Err)
	default:
		if res.Err != nil {
			return fmt.Errorf("stopped watching run %s (%s): %w", res.RunID, res.State, res.Err)
		}
		return fmt.Errorf("stopped watching run %s (%s)", res.RunID, res.State)
	}
}
