// Package eventstore keeps a bounded, concurrency-safe history of webhook
// events together with the merged status of every run they mention.
package eventstore

import (
	"container/list"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

const (
	// DefaultHistorySize is the number of events kept for global history queries.
	DefaultHistorySize = 10
	// DefaultPerRunSize is the number of events kept per run.
	DefaultPerRunSize = 50
	// DefaultMaxRuns is the number of runs tracked before the least recently
	// touched one is dropped.
	DefaultMaxRuns = 1000
)

// Config bounds the store.
type Config struct {
	HistorySize int
	PerRunSize  int
	MaxRuns     int
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.PerRunSize <= 0 {
		c.PerRunSize = DefaultPerRunSize
	}
	if c.MaxRuns <= 0 {
		c.MaxRuns = DefaultMaxRuns
	}
	return c
}

// Reason classifies a rejected delivery.
type Reason string

const (
	ReasonSignatureInvalid  Reason = "signature_invalid"
	ReasonSignatureRequired Reason = "signature_required"
	ReasonMalformedPayload  Reason = "malformed_payload"
	ReasonPayloadTooLarge   Reason = "payload_too_large"
)

// Diagnostic is a minimal record of a delivery that was not applied.
type Diagnostic struct {
	ID          string    `json:"id"`
	ReceivedAt  time.Time `json:"received_at"`
	Reason      Reason    `json:"reason"`
	Detail      string    `json:"detail,omitempty"`
	Path        string    `json:"path,omitempty"`
	Token       string    `json:"token,omitempty"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	BodyPreview string    `json:"body_preview,omitempty"`
}

// Stats summarizes store activity since creation.
type Stats struct {
	Accepted      uint64 `json:"accepted"`
	Rejected      uint64 `json:"rejected"`
	EvictedEvents uint64 `json:"evicted_events"`
	EvictedRuns   uint64 `json:"evicted_runs"`
	TrackedRuns   int    `json:"tracked_runs"`
}

type runEntry struct {
	status runstatus.RunStatus
	events *ring[runstatus.WebhookEvent]
	elem   *list.Element
}

// Store is safe for concurrent use. All mutations happen under one lock so
// readers never observe a partially inserted event.
type Store struct {
	mu       sync.RWMutex
	cfg      Config
	seq      uint64
	history  *ring[runstatus.WebhookEvent]
	rejected *ring[Diagnostic]
	runs     map[string]*runEntry
	lru      *list.List
	waiters  map[string]chan struct{}
	stats    Stats
	now      func() time.Time
}

// New creates an empty store. Zero config fields fall back to defaults.
func New(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		cfg:      cfg,
		history:  newRing[runstatus.WebhookEvent](cfg.HistorySize),
		rejected: newRing[Diagnostic](cfg.HistorySize),
		runs:     make(map[string]*runEntry),
		lru:      list.New(),
		waiters:  make(map[string]chan struct{}),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective bounds.
func (s *Store) Config() Config {
	return s.cfg
}

// Record assigns the next sequence number to ev, applies it to its run's
// status and stores it. It returns the stored event and the resulting status.
func (s *Store) Record(ev runstatus.WebhookEvent) (runstatus.WebhookEvent, runstatus.RunStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Sequence = s.seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = s.now()
	}

	entry, existed := s.touch(ev.RunID)
	var current *runstatus.RunStatus
	if existed {
		current = &entry.status
	}
	wasTerminal := existed && current.Terminal()
	next, changed := runstatus.ApplyEvent(current, ev)
	entry.status = next
	ev.Changed = changed

	stored := ev.Clone()
	if entry.events.push(stored) {
		s.stats.EvictedEvents++
	}
	s.history.push(stored)
	s.stats.Accepted++

	if !wasTerminal && next.Terminal() {
		s.release(ev.RunID)
	}
	s.evictRuns()

	return stored.Clone(), next.Clone()
}

// ApplySnapshot merges a polled snapshot into the run's status atomically.
func (s *Store) ApplySnapshot(snap runstatus.Snapshot) runstatus.RunStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = s.now()
	}

	entry, existed := s.touch(snap.RunID)
	var current *runstatus.RunStatus
	if existed {
		current = &entry.status
	}
	wasTerminal := existed && current.Terminal()
	entry.status = runstatus.ApplySnapshot(current, snap)

	if !wasTerminal && entry.status.Terminal() {
		s.release(snap.RunID)
	}
	s.evictRuns()

	return entry.status.Clone()
}

// Status returns the merged status of a run.
func (s *Store) Status(runID string) (runstatus.RunStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.runs[runID]
	if !ok {
		return runstatus.RunStatus{}, false
	}
	return entry.status.Clone(), true
}

// Statuses returns every tracked status, most recently touched first.
func (s *Store) Statuses() []runstatus.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]runstatus.RunStatus, 0, len(s.runs))
	for e := s.lru.Front(); e != nil; e = e.Next() {
		out = append(out, s.runs[e.Value.(string)].status.Clone())
	}
	return out
}

// Terminated returns a channel closed once runID reaches a terminal state.
// Waiters are bounded by MaxRuns: a run evicted before finishing, or never
// seen while the store is full, keeps its channel open forever.
func (s *Store) Terminated(runID string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.waiters[runID]; ok {
		return ch
	}
	ch := make(chan struct{})
	if entry, ok := s.runs[runID]; ok && entry.status.Terminal() {
		close(ch)
		return ch
	}
	if len(s.waiters) >= s.cfg.MaxRuns {
		s.pruneWaiters()
	}
	if len(s.waiters) < s.cfg.MaxRuns {
		s.waiters[runID] = ch
	}
	return ch
}

// ListRecent returns up to limit events, newest first. The result never
// exceeds the configured history size.
func (s *Store) ListRecent(limit int) []runstatus.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return cloneEvents(s.history.newestFirst(limit))
}

// GetForRun returns the retained events of one run in arrival order.
func (s *Store) GetForRun(runID string) []runstatus.WebhookEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.runs[runID]
	if !ok {
		return nil
	}
	return cloneEvents(entry.events.oldestFirst())
}

// Reject records a delivery that was not applied. Diagnostics share the
// history bound.
func (s *Store) Reject(d Diagnostic) Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.ReceivedAt.IsZero() {
		d.ReceivedAt = s.now()
	}
	s.rejected.push(d)
	s.stats.Rejected++
	return d
}

// ListRejected returns up to limit diagnostics, newest first.
func (s *Store) ListRejected(limit int) []Diagnostic {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.rejected.newestFirst(limit)
}

// Stats returns a copy of the activity counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats
	st.TrackedRuns = len(s.runs)
	return st
}

// touch returns the entry for runID, creating it if needed, and marks it as
// most recently used. Callers hold the write lock.
func (s *Store) touch(runID string) (*runEntry, bool) {
	if entry, ok := s.runs[runID]; ok {
		s.lru.MoveToFront(entry.elem)
		return entry, true
	}
	entry := &runEntry{events: newRing[runstatus.WebhookEvent](s.cfg.PerRunSize)}
	entry.elem = s.lru.PushFront(runID)
	s.runs[runID] = entry
	return entry, false
}

func (s *Store) evictRuns() {
	for len(s.runs) > s.cfg.MaxRuns {
		oldest := s.lru.Back()
		runID := oldest.Value.(string)
		s.lru.Remove(oldest)
		delete(s.runs, runID)
		delete(s.waiters, runID)
		s.stats.EvictedRuns++
	}
}

// pruneWaiters drops waiters of runs the store does not track.
func (s *Store) pruneWaiters() {
	for runID := range s.waiters {
		if _, ok := s.runs[runID]; !ok {
			delete(s.waiters, runID)
		}
	}
}

func (s *Store) release(runID string) {
	if ch, ok := s.waiters[runID]; ok {
		close(ch)
		delete(s.waiters, runID)
	}
}

func cloneEvents(evs []runstatus.WebhookEvent) []runstatus.WebhookEvent {
	for i := range evs {
		evs[i] = evs[i].Clone()
	}
	return evs
}
