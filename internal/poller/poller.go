// Package poller watches a run by querying its status until it reaches a
// terminal state, a deadline passes or too many consecutive queries fail.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonathan/mosaic-agent/internal/mosaic"
	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

const (
	// DefaultInterval matches the remote service's recommended poll rate.
	DefaultInterval = 5 * time.Second
	// DefaultMaxAttempts is the number of consecutive transient failures
	// tolerated before giving up.
	DefaultMaxAttempts = 5
)

// State is the poller's position in its state machine.
type State string

const (
	StateNotStarted State = "not_started"
	StatePolling    State = "polling"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateGivenUp    State = "given_up"
	StateCanceled   State = "canceled"
)

// Done reports whether the poller has stopped.
func (s State) Done() bool {
	return s != StateNotStarted && s != StatePolling
}

// StatusFetcher queries the remote status of a run.
type StatusFetcher interface {
	Snapshot(ctx context.Context, runID string) (runstatus.Snapshot, error)
}

// Applier merges snapshots into the shared run status.
type Applier interface {
	ApplySnapshot(snap runstatus.Snapshot) runstatus.RunStatus
	Status(runID string) (runstatus.RunStatus, bool)
}

// terminationNotifier is implemented by appliers that can signal a terminal
// status reached through another path.
type terminationNotifier interface {
	Terminated(runID string) <-chan struct{}
}

// Clock abstracts time so the state machine can be driven in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Config tunes a Poller. Zero values fall back to defaults; a zero Deadline
// means no deadline.
type Config struct {
	Interval    time.Duration
	MaxAttempts int
	Deadline    time.Duration
}

// Outcome classifies one status query.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeTransient Outcome = "transient_failure"
	OutcomeTerminal  Outcome = "terminal_failure"
)

// Attempt is the outcome of one status query.
type Attempt struct {
	Number   int
	Outcome  Outcome
	Snapshot runstatus.Snapshot
	Err      error
	At       time.Time
}

// Result is returned when Watch stops.
type Result struct {
	RunID    string
	State    State
	Status   runstatus.RunStatus
	Attempts int
	Err      error
}

// UpdateFunc observes each attempt and the status after it.
type UpdateFunc func(a Attempt, status runstatus.RunStatus)

// Option configures a Poller.
type Option func(*Poller)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Poller) { p.logger = l }
}

// OnUpdate registers an observer called after every attempt.
func OnUpdate(fn UpdateFunc) Option {
	return func(p *Poller) { p.onUpdate = fn }
}

// Poller watches runs. One Poller may watch several runs concurrently; each
// Watch call is independent.
type Poller struct {
	fetcher   StatusFetcher
	store     Applier
	cfg       Config
	clock     Clock
	logger    *slog.Logger
	onUpdate  UpdateFunc
	transient func(error) bool
}

// New creates a Poller.
func New(fetcher StatusFetcher, store Applier, cfg Config, opts ...Option) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	p := &Poller{
		fetcher:   fetcher,
		store:     store,
		cfg:       cfg,
		clock:     realClock{},
		logger:    slog.Default(),
		transient: mosaic.IsTransient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Watch polls runID until it stops and reports why. A terminal status
// already in the store (for example from a webhook) stops the watch before
// the next query.
func (p *Poller) Watch(ctx context.Context, runID string) Result {
	w := &watch{p: p, runID: runID, state: StateNotStarted, start: p.clock.Now()}
	var wake <-chan struct{}
	if n, ok := p.store.(terminationNotifier); ok {
		wake = n.Terminated(runID)
	}

	w.state = StatePolling
	p.logger.Info("watching run", "run_id", runID, "interval", p.cfg.Interval, "deadline", p.cfg.Deadline)

	for !w.state.Done() {
		w.step(ctx, wake)
	}

	res := w.result()
	p.logger.Info("stopped watching run",
		"run_id", runID,
		"state", res.State,
		"attempts", res.Attempts,
		"error", errString(res.Err),
	)
	return res
}

type watch struct {
	p        *Poller
	runID    string
	state    State
	start    time.Time
	attempts int
	failures int
	status   runstatus.RunStatus
	err      error
}

// step performs one transition of the state machine.
func (w *watch) step(ctx context.Context, wake <-chan struct{}) {
	p := w.p

	if st, ok := p.store.Status(w.runID); ok {
		w.status = st
		if st.Terminal() {
			w.finishFromStatus()
			return
		}
	}
	if ctx.Err() != nil {
		w.stop(StateCanceled, ctx.Err())
		return
	}
	remaining, bounded := w.remaining()
	if bounded && remaining <= 0 {
		w.stop(StateTimedOut, fmt.Errorf("run %s not finished after %s", w.runID, p.cfg.Deadline))
		return
	}

	w.attempts++
	attempt := Attempt{Number: w.attempts, At: p.clock.Now()}
	snap, err := p.fetcher.Snapshot(ctx, w.runID)
	switch {
	case err == nil:
		w.failures = 0
		snap.RunID = w.runID
		attempt.Outcome = OutcomeSuccess
		attempt.Snapshot = snap
		w.status = p.store.ApplySnapshot(snap)
		w.notify(attempt)
		if w.status.Terminal() {
			w.finishFromStatus()
			return
		}
	case ctx.Err() != nil:
		w.stop(StateCanceled, ctx.Err())
		return
	case !p.transient(err):
		attempt.Outcome = OutcomeTerminal
		attempt.Err = err
		w.notify(attempt)
		w.stop(StateGivenUp, err)
		return
	default:
		w.failures++
		attempt.Outcome = OutcomeTransient
		attempt.Err = err
		w.notify(attempt)
		p.logger.Warn("status query failed",
			"run_id", w.runID,
			"attempt", w.attempts,
			"consecutive_failures", w.failures,
			"error", err,
		)
		if w.failures >= p.cfg.MaxAttempts {
			w.stop(StateGivenUp, err)
			return
		}
	}

	wait := p.cfg.Interval
	if remaining, bounded := w.remaining(); bounded && remaining < wait {
		wait = max(remaining, 0)
	}
	if err := w.sleep(ctx, wait, wake); err != nil {
		w.stop(StateCanceled, err)
	}
}

// sleep waits for d, returning early without error when wake closes.
func (w *watch) sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		return ctx.Err()
	}
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if wake != nil {
		go func() {
			select {
			case <-wake:
				cancel()
			case <-sleepCtx.Done():
			}
		}()
	}
	err := w.p.clock.Sleep(sleepCtx, d)
	if err != nil && ctx.Err() == nil {
		return nil
	}
	return err
}

func (w *watch) remaining() (time.Duration, bool) {
	if w.p.cfg.Deadline <= 0 {
		return 0, false
	}
	return w.p.cfg.Deadline - w.p.clock.Now().Sub(w.start), true
}

func (w *watch) finishFromStatus() {
	if w.status.State == runstatus.StateCompleted {
		w.stop(StateCompleted, nil)
		return
	}
	msg := w.status.Error
	if msg == "" {
		msg = "run failed"
	}
	w.stop(StateFailed, errors.New(msg))
}

func (w *watch) stop(state State, err error) {
	w.state = state
	w.err = err
}

func (w *watch) notify(a Attempt) {
	if w.p.onUpdate != nil {
		w.p.onUpdate(a, w.status.Clone())
	}
}

func (w *watch) result() Result {
	return Result{
		RunID:    w.runID,
		State:    w.state,
		Status:   w.status,
		Attempts: w.attempts,
		Err:      w.err,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
