package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/jonathan/mosaic-agent/internal/eventstore"
	"github.com/jonathan/mosaic-agent/internal/runstatus"
	"github.com/jonathan/mosaic-agent/internal/signature"
)

// bodyPreviewBytes caps the body excerpt kept with a rejection diagnostic.
const bodyPreviewBytes = 256

// WebhookResponse is returned for every accepted delivery.
type WebhookResponse struct {
	Received bool            `json:"received"`
	ID       string          `json:"id"`
	Sequence uint64          `json:"sequence"`
	RunID    string          `json:"run_id"`
	Changed  bool            `json:"changed"`
	State    runstatus.State `json:"state"`
}

// HistoryEntry is one accepted event as listed by /history.
type HistoryEntry struct {
	ID             string         `json:"id"`
	Sequence       uint64         `json:"sequence"`
	Flag           runstatus.Flag `json:"flag"`
	RunID          string         `json:"run_id"`
	AgentID        string         `json:"agent_id,omitempty"`
	Status         string         `json:"status,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	SignatureValid bool           `json:"signature_valid"`
	Token          string         `json:"token,omitempty"`
	Path           string         `json:"path,omitempty"`
	Changed        bool           `json:"changed"`
	Outputs        int            `json:"outputs"`
}

func toHistoryEntry(ev runstatus.WebhookEvent) HistoryEntry {
	return HistoryEntry{
		ID:             ev.ID,
		Sequence:       ev.Sequence,
		Flag:           ev.Flag,
		RunID:          ev.RunID,
		AgentID:        ev.AgentID,
		Status:         ev.Status,
		ReceivedAt:     ev.ReceivedAt,
		SignatureValid: ev.SignatureValid,
		Token:          ev.Token,
		Path:           ev.Path,
		Changed:        ev.Changed,
		Outputs:        len(ev.Outputs),
	}
}

// HistoryResponse is the body of GET /history.
type HistoryResponse struct {
	Total   uint64         `json:"total"`
	Count   int            `json:"count"`
	History []HistoryEntry `json:"history"`
}

// RejectedResponse is the body of GET /history/rejected.
type RejectedResponse struct {
	Total    uint64                  `json:"total"`
	Count    int                     `json:"count"`
	Rejected []eventstore.Diagnostic `json:"rejected"`
}

// RunResponse is the body of GET /runs/{run_id}.
type RunResponse struct {
	Status runstatus.RunStatus      `json:"status"`
	Events []runstatus.WebhookEvent `json:"events"`
}

// RunsResponse is the body of GET /runs.
type RunsResponse struct {
	Runs  []runstatus.RunStatus `json:"runs"`
	Stats eventstore.Stats      `json:"stats"`
}

// handleWebhook authenticates, validates and records one delivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reject(w, r, token, nil, eventstore.ReasonPayloadTooLarge, &ErrPayloadTooLarge{Limit: s.cfg.MaxBodyBytes})
			return
		}
		s.reject(w, r, token, nil, eventstore.ReasonMalformedPayload, &ErrMalformedPayload{Detail: "failed to read body"})
		return
	}

	if reason, err := s.authenticate(r, body); err != nil {
		s.reject(w, r, token, body, reason, err)
		return
	}

	ev, err := decodeEvent(s.validator, body)
	if err != nil {
		s.reject(w, r, token, body, eventstore.ReasonMalformedPayload, err)
		return
	}
	ev.SignatureValid = true
	ev.Token = token
	ev.Path = r.URL.Path

	stored, status := s.store.Record(ev)
	s.logger.Info("webhook accepted",
		"id", stored.ID,
		"sequence", stored.Sequence,
		"flag", stored.Flag,
		"run_id", stored.RunID,
		"changed", stored.Changed,
		"state", status.State,
	)
	if s.printer != nil {
		s.printer.PrintWebhookEvent(stored, status)
	}
	for _, hook := range s.hooks {
		hook(stored, status)
	}
	if dropped := s.events.publish(stored, status); dropped > 0 {
		s.logger.Warn("event stream subscribers lagging", "dropped", dropped)
	}

	s.jsonResponse(w, http.StatusOK, WebhookResponse{
		Received: true,
		ID:       stored.ID,
		Sequence: stored.Sequence,
		RunID:    stored.RunID,
		Changed:  stored.Changed,
		State:    status.State,
	})
}

// authenticate checks the signature header. A receiver without a secret
// accepts everything unless signatures are required.
func (s *Server) authenticate(r *http.Request, body []byte) (eventstore.Reason, error) {
	if !s.verifier.Enabled() {
		if s.cfg.RequireSignature {
			return eventstore.ReasonSignatureRequired, &ErrUnauthorized{Required: true}
		}
		return "", nil
	}
	if !s.verifier.Verify(body, r.Header.Get(signature.Header)) {
		return eventstore.ReasonSignatureInvalid, &ErrUnauthorized{}
	}
	return "", nil
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, token string, body []byte, reason eventstore.Reason, err error) {
	d := s.store.Reject(eventstore.Diagnostic{
		Reason:      reason,
		Detail:      err.Error(),
		Path:        r.URL.Path,
		Token:       token,
		RemoteAddr:  r.RemoteAddr,
		BodyPreview: preview(body),
	})
	s.logger.Warn("webhook rejected",
		"id", d.ID,
		"reason", reason,
		"path", r.URL.Path,
		"error", err,
	)
	if s.printer != nil {
		s.printer.PrintRejected(string(reason), err.Error(), r.URL.Path)
	}
	s.errorResponse(w, HTTPStatus(err), err.Error())
}

func preview(body []byte) string {
	if len(body) <= bodyPreviewBytes {
		return string(body)
	}
	cut := body[:bodyPreviewBytes]
	for len(cut) > 0 && !utf8.Valid(cut) {
		cut = cut[:len(cut)-1]
	}
	return string(cut) + "..."
}

// handleHistory lists the most recent accepted events, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	events := s.store.ListRecent(limit)
	entries := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, toHistoryEntry(ev))
	}

	s.jsonResponse(w, http.StatusOK, HistoryResponse{
		Total:   s.store.Stats().Accepted,
		Count:   len(entries),
		History: entries,
	})
}

// handleRejected lists the most recent rejected deliveries, newest first.
func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	rejected := s.store.ListRejected(limit)
	if rejected == nil {
		rejected = []eventstore.Diagnostic{}
	}
	s.jsonResponse(w, http.StatusOK, RejectedResponse{
		Total:    s.store.Stats().Rejected,
		Count:    len(rejected),
		Rejected: rejected,
	})
}

// handleListRuns lists tracked runs, most recently touched first.
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, RunsResponse{
		Runs:  s.store.Statuses(),
		Stats: s.store.Stats(),
	})
}

// handleGetRun returns one run's status and retained events.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	status, ok := s.store.Status(runID)
	if !ok {
		err := &ErrRunNotFound{RunID: runID}
		s.errorResponse(w, HTTPStatus(err), err.Error())
		return
	}

	events := s.store.GetForRun(runID)
	if events == nil {
		events = []runstatus.WebhookEvent{}
	}
	s.jsonResponse(w, http.StatusOK, RunResponse{Status: status, Events: events})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIndex describes the service.
func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"service": "mosaic-webhook-listener",
		"endpoints": map[string]string{
			"webhook":  "POST /webhook[/{token}]",
			"alias":    "POST /webhooks/mosaic[/{token}]",
			"history":  "GET /history?limit=N",
			"rejected": "GET /history/rejected",
			"runs":     "GET /runs",
			"run":      "GET /runs/{run_id}",
			"health":   "GET /health",
		},
		"signature":         s.verifier.Mode(),
		"signature_enabled": s.verifier.Enabled(),
		"webhooks_received": s.store.Stats().Accepted,
		"started_at":        s.started,
	})
}

// parseLimit reads the optional ?limit= query parameter. Zero means the
// store's full history bound.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &ErrValidation{Field: "limit", Message: "must be a positive integer"}
	}
	return n, nil
}
