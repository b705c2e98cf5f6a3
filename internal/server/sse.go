package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

// sseKeepAlive is the interval between comment frames on an idle stream.
const sseKeepAlive = 15 * time.Second

// subscriberBuffer is how many updates a slow stream may lag before updates
// are dropped for it.
const subscriberBuffer = 32

// SSEWriter helps write Server-Sent Events
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends an SSE event
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WritePing sends a comment frame that keeps intermediaries from closing an
// idle stream.
func (s *SSEWriter) WritePing() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// WriteComplete sends a completion event
func (s *SSEWriter) WriteComplete(status runstatus.RunStatus) error {
	return s.WriteEvent("complete", map[string]any{
		"run_id":  status.RunID,
		"state":   status.State,
		"outputs": len(status.Outputs),
		"error":   status.Error,
	})
}

type update struct {
	event  runstatus.WebhookEvent
	status runstatus.RunStatus
}

type subscriber struct {
	runID string
	ch    chan update
}

// broadcaster fans accepted events out to live streams.
type broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func (b *broadcaster) subscribe(runID string) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[*subscriber]struct{})
	}
	sub := &subscriber{runID: runID, ch: make(chan update, subscriberBuffer)}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// publish never blocks; a full subscriber misses the update.
func (b *broadcaster) publish(ev runstatus.WebhookEvent, status runstatus.RunStatus) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for sub := range b.subs {
		if sub.runID != "" && sub.runID != ev.RunID {
			continue
		}
		select {
		case sub.ch <- update{event: ev, status: status}:
		default:
			dropped++
		}
	}
	return dropped
}

// handleEvents streams accepted webhook events. With ?run_id= only that
// run's events are sent and the stream ends once the run is terminal.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Streams outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	sub := s.events.subscribe(runID)
	defer s.events.unsubscribe(sub)

	ready := map[string]any{"run_id": runID}
	if runID != "" {
		if status, ok := s.store.Status(runID); ok {
			ready["status"] = status
			if status.Terminal() {
				_ = sse.WriteEvent("ready", ready)
				_ = sse.WriteComplete(status)
				return
			}
		}
	}
	if err := sse.WriteEvent("ready", ready); err != nil {
		return
	}

	ping := time.NewTicker(sseKeepAlive)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := sse.WritePing(); err != nil {
				return
			}
		case u := <-sub.ch:
			if err := sse.WriteEvent("webhook", toHistoryEntry(u.event)); err != nil {
				return
			}
			if runID != "" && u.status.Terminal() {
				_ = sse.WriteComplete(u.status)
				return
			}
		}
	}
}
