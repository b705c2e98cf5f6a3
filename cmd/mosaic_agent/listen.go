package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/mosaic-agent/internal/config"
	"github.com/jonathan/mosaic-agent/internal/eventstore"
	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/jonathan/mosaic-agent/internal/server"
	"github.com/jonathan/mosaic-agent/internal/server/ratelimit"
	"github.com/jonathan/mosaic-agent/internal/signature"
	"github.com/jonathan/mosaic-agent/internal/tunnel"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive Mosaic webhooks on a local HTTP endpoint",
	Long: `Start a webhook receiver that authenticates deliveries, tracks run status and keeps a bounded
history. Point an agent's callback URL at <public-url>/webhook.

With --watch RUN_ID the run is also polled until it finishes; the receiver keeps running until
interrupted.`,
	RunE: runListen,
}

var (
	listenOpts  listenerFlags
	listenWatch string
	listenPoll  pollFlags
)

func init() {
	addListenerFlags(listenCmd, &listenOpts)
	listenCmd.Flags().StringVar(&listenWatch, "watch", "", "Also poll this run ID until it finishes")
	addPollFlags(listenCmd, &listenPoll)
	rootCmd.AddCommand(listenCmd)
}

// listenerFlags are the receiver options shared by listen and run --listen.
type listenerFlags struct {
	host             string
	port             int
	secret           string
	signatureMode    string
	requireSignature bool
	publicURL        string
	ngrok            bool
	quiet            bool
}

func addListenerFlags(cmd *cobra.Command, f *listenerFlags) {
	cmd.Flags().StringVar(&f.host, "host", "", "Interface to listen on (default 0.0.0.0)")
	cmd.Flags().IntVarP(&f.port, "port", "p", 0, "Port to listen on (default 3000)")
	cmd.Flags().StringVar(&f.secret, "secret", "", "Webhook secret (optional, defaults to MOSAIC_WEBHOOK_SECRET env var)")
	cmd.Flags().StringVar(&f.signatureMode, "signature-mode", "", "Signature scheme: hmac (default) or token")
	cmd.Flags().BoolVar(&f.requireSignature, "require-signature", false, "Reject every delivery when no secret is configured")
	cmd.Flags().StringVar(&f.publicURL, "public-url", "", "Public base URL of this receiver (skips tunnel discovery)")
	cmd.Flags().BoolVar(&f.ngrok, "ngrok", false, "Start an ngrok tunnel to this receiver")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Do not echo webhook events to the console")
}

func (f *listenerFlags) apply(cmd *cobra.Command, l *config.Listener) {
	if cmd.Flags().Changed("host") {
		l.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		l.Port = f.port
	}
	if cmd.Flags().Changed("secret") {
		l.Secret = f.secret
	}
	if cmd.Flags().Changed("signature-mode") {
		l.SignatureMode = f.signatureMode
	}
	if cmd.Flags().Changed("require-signature") {
		l.RequireSignature = f.requireSignature
	}
	if cmd.Flags().Changed("public-url") {
		l.PublicURL = f.publicURL
	}
}

// secretSource names where the webhook secret came from, for the banner.
func (f *listenerFlags) secretSource(cmd *cobra.Command, l config.Listener) string {
	switch {
	case l.Secret == "":
		return ""
	case cmd.Flags().Changed("secret"):
		return "--secret"
	case os.Getenv("MOSAIC_WEBHOOK_SECRET") != "":
		return "MOSAIC_WEBHOOK_SECRET"
	default:
		return "config file"
	}
}

// listener is a receiver with its store, ready to serve.
type listener struct {
	store     *eventstore.Store
	server    *server.Server
	cfg       config.Listener
	rateLimit *ratelimit.Config
}

func newListener(cfg config.Listener, logger *slog.Logger, printer *observability.Printer) (*listener, error) {
	mode, err := signature.ParseMode(cfg.SignatureMode)
	if err != nil {
		return nil, err
	}

	store := newStore(cfg)
	rl := ratelimit.LoadConfig()

	opts := []server.Option{server.WithLogger(logger)}
	if printer != nil {
		opts = append(opts, server.WithPrinter(printer))
	}
	srv, err := server.New(server.Config{
		Host:             cfg.Host,
		Port:             cfg.Port,
		Secret:           cfg.Secret,
		SignatureMode:    mode,
		RequireSignature: cfg.RequireSignature,
		MaxBodyBytes:     cfg.MaxBodyBytes,
		RateLimit:        rl,
	}, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook listener: %w", err)
	}

	return &listener{store: store, server: srv, cfg: cfg, rateLimit: rl}, nil
}

func newStore(cfg config.Listener) *eventstore.Store {
	return eventstore.New(eventstore.Config{
		HistorySize: cfg.HistorySize,
		PerRunSize:  cfg.PerRunSize,
		MaxRuns:     cfg.MaxRuns,
	})
}

// bind opens the listening socket so the port is known to be free before
// any run is started against it.
func (l *listener) bind() (net.Listener, error) {
	addr := net.JoinHostPort(l.cfg.Host, strconv.Itoa(l.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, nil
}

// localURL is the address deliveries can reach on this machine.
func (l *listener) localURL() string {
	host := l.cfg.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(l.cfg.Port))
}

func (l *listener) bannerInfo(publicURL, secretSource string) observability.ListenerInfo {
	return observability.ListenerInfo{
		LocalURL:        l.localURL(),
		PublicURL:       publicURL,
		SignatureMode:   string(l.server.Verifier().Mode()),
		SecretSource:    secretSource,
		SecretEnabled:   l.server.Verifier().Enabled(),
		RequireSecret:   l.cfg.RequireSignature,
		HistorySize:     l.store.Config().HistorySize,
		PerRunSize:      l.store.Config().PerRunSize,
		RateLimitActive: l.rateLimit.Enabled,
	}
}

// resolvePublicURL picks the receiver's public base URL: the configured one,
// a freshly started ngrok tunnel, or an already running ngrok agent. It
// returns "" when none is available. The returned process is nil unless
// ngrok was started here.
func resolvePublicURL(ctx context.Context, cfg config.Listener, startNgrok bool, logger *slog.Logger) (string, *tunnel.Process, error) {
	if cfg.PublicURL != "" {
		return strings.TrimRight(cfg.PublicURL, "/"), nil, nil
	}

	if startNgrok {
		proc, err := tunnel.Start(ctx, cfg.Port, logger)
		if err != nil {
			return "", nil, fmt.Errorf("failed to start ngrok tunnel: %w", err)
		}
		return proc.PublicURL, proc, nil
	}

	discoverCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	url, err := tunnel.Discover(discoverCtx, cfg.NgrokAPIURL)
	if err != nil {
		logger.Debug("no tunnel discovered", "error", err)
		return "", nil, nil
	}
	return url, nil, nil
}

// callbackURL is the webhook endpoint under a public base URL.
func callbackURL(publicURL string) string {
	if publicURL == "" {
		return ""
	}
	return strings.TrimRight(publicURL, "/") + "/webhook"
}

func runListen(cmd *cobra.Command, _ []string) error {
	cfg, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	listenOpts.apply(cmd, &cfg.Listener)
	listenPoll.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	logger := newLogger(cfg, cmd.ErrOrStderr())
	printer := observability.NewPrinter(cmd.OutOrStdout())
	echo := printer
	if listenOpts.quiet {
		echo = nil
	}

	l, err := newListener(cfg.Listener, logger, echo)
	if err != nil {
		return err
	}

	publicURL, proc, err := resolvePublicURL(ctx, cfg.Listener, listenOpts.ngrok, logger)
	if err != nil {
		return err
	}
	defer func() { _ = proc.Stop() }()

	printer.PrintListenerBanner(l.bannerInfo(publicURL, listenOpts.secretSource(cmd, cfg.Listener)))

	var client *mosaic.Client
	if listenWatch != "" {
		if client, err = newClient(cfg); err != nil {
			return err
		}
	}

	ln, err := l.bind()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return l.server.Serve(gctx, ln)
	})

	if client != nil {
		g.Go(func() error {
			res := watchRun(gctx, client, l.store, cfg, printer, logger, listenWatch)
			if err := watchError(res); err != nil {
				logger.Warn("watch ended without completion", "run_id", listenWatch, "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}
