// Package runstatus defines the lifecycle model of a remote agent run and the
// transition rules shared by the webhook receiver and the status poller.
package runstatus

import (
	"encoding/json"
	"time"
)

// State is the externally observed lifecycle state of a run.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateUnknown   State = "unknown"
)

// Terminal reports whether no further transition is accepted from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// rank orders states along pending < running < {completed, failed}.
// Unknown ranks lowest so it never overrides a known state.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 1
	case StateRunning:
		return 2
	case StateCompleted, StateFailed:
		return 3
	default:
		return 0
	}
}

// Flag identifies the kind of webhook notification.
type Flag string

const (
	FlagRunStarted      Flag = "RUN_STARTED"
	FlagOutputsFinished Flag = "OUTPUTS_FINISHED"
	FlagRunFinished     Flag = "RUN_FINISHED"
)

// Valid reports whether f is one of the known flags.
func (f Flag) Valid() bool {
	switch f {
	case FlagRunStarted, FlagOutputsFinished, FlagRunFinished:
		return true
	}
	return false
}

// Output is one artifact produced by a run.
type Output struct {
	VideoURL     string    `json:"video_url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitzero"`
}

// RunStatus is the merged view of a run built from polls and webhook events.
type RunStatus struct {
	RunID       string    `json:"run_id"`
	AgentID     string    `json:"agent_id,omitempty"`
	State       State     `json:"state"`
	Outputs     []Output  `json:"outputs"`
	LastUpdated time.Time `json:"last_updated"`
	Error       string    `json:"error,omitempty"`
}

// Terminal reports whether the run reached completed or failed.
func (r RunStatus) Terminal() bool {
	return r.State.Terminal()
}

// Clone returns a copy that shares no slices with r.
func (r RunStatus) Clone() RunStatus {
	out := r
	if r.Outputs != nil {
		out.Outputs = make([]Output, len(r.Outputs))
		copy(out.Outputs, r.Outputs)
	}
	return out
}

// Snapshot is one status response from the remote API.
type Snapshot struct {
	RunID      string
	State      State
	Outputs    []Output
	Error      string
	ObservedAt time.Time
}

// WebhookEvent is one inbound notification as stored by the event store.
type WebhookEvent struct {
	ID             string          `json:"id"`
	Sequence       uint64          `json:"sequence"`
	Flag           Flag            `json:"flag"`
	RunID          string          `json:"run_id"`
	AgentID        string          `json:"agent_id,omitempty"`
	Status         string          `json:"status,omitempty"`
	Error          string          `json:"error,omitempty"`
	Outputs        []Output        `json:"outputs,omitempty"`
	Inputs         []Input         `json:"inputs,omitempty"`
	TriggeredBy    *TriggeredBy    `json:"triggered_by,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	SignatureValid bool            `json:"signature_valid"`
	Token          string          `json:"token,omitempty"`
	Path           string          `json:"path,omitempty"`
	Changed        bool            `json:"changed"`
}

// Clone returns a deep copy of e.
func (e WebhookEvent) Clone() WebhookEvent {
	out := e
	if e.Outputs != nil {
		out.Outputs = append([]Output{}, e.Outputs...)
	}
	if e.Inputs != nil {
		out.Inputs = append([]Input{}, e.Inputs...)
	}
	if e.RawPayload != nil {
		out.RawPayload = append(json.RawMessage{}, e.RawPayload...)
	}
	if e.TriggeredBy != nil {
		tb := *e.TriggeredBy
		out.TriggeredBy = &tb
	}
	return out
}

// Input describes a video the run consumed.
type Input struct {
	VideoID      string    `json:"video_id,omitempty"`
	VideoURL     string    `json:"video_url,omitempty"`
	FileName     string    `json:"file_name,omitempty"`
	FileURL      string    `json:"file_url,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
	UploadedAt   time.Time `json:"uploaded_at,omitzero"`
}

// TriggeredBy carries trigger metadata for trigger-initiated runs.
type TriggeredBy struct {
	Type        string    `json:"type"`
	ChannelID   string    `json:"channel_id,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
	VideoID     string    `json:"video_id,omitempty"`
	VideoTitle  string    `json:"video_title,omitempty"`
	VideoURL    string    `json:"video_url,omitempty"`
	TriggeredAt time.Time `json:"triggered_at,omitzero"`
}
