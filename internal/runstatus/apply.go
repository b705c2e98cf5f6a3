package runstatus

import (
	"fmt"
	"strings"
	"time"
)

// ParseState maps a remote status word onto State.
func ParseState(s string) State {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued", "created", "scheduled":
		return StatePending
	case "running", "started", "processing", "in_progress":
		return StateRunning
	case "completed", "complete", "succeeded", "success", "finished":
		return StateCompleted
	case "failed", "failure", "error", "errored", "cancelled", "canceled":
		return StateFailed
	default:
		return StateUnknown
	}
}

// ApplySnapshot merges a polled snapshot into current and returns the result.
// A nil current starts a new status for the snapshot's run. Terminal statuses
// are returned unchanged.
func ApplySnapshot(current *RunStatus, snap Snapshot) RunStatus {
	next, _ := merge(current, snap.RunID, "", snap.State, snap.Outputs, snap.Error, snap.ObservedAt)
	return next
}

// ApplyEvent applies a webhook event to current. The second return value
// reports whether the status changed. Events arriving after a terminal
// transition never change the status.
func ApplyEvent(current *RunStatus, ev WebhookEvent) (RunStatus, bool) {
	switch ev.Flag {
	case FlagRunStarted:
		return merge(current, ev.RunID, ev.AgentID, StateRunning, nil, "", ev.ReceivedAt)
	case FlagOutputsFinished:
		return merge(current, ev.RunID, ev.AgentID, StateRunning, ev.Outputs, "", ev.ReceivedAt)
	case FlagRunFinished:
		// Only the literal "completed" succeeds; every other word is a failure.
		state := StateCompleted
		errMsg := ""
		if ev.Status != "completed" {
			state = StateFailed
			errMsg = ev.Error
			if errMsg == "" {
				errMsg = fmt.Sprintf("run finished with status %q", ev.Status)
			}
		}
		return merge(current, ev.RunID, ev.AgentID, state, ev.Outputs, errMsg, ev.ReceivedAt)
	default:
		if current == nil {
			return RunStatus{RunID: ev.RunID, State: StateUnknown}, false
		}
		return current.Clone(), false
	}
}

// merge is the single transition rule behind both update paths: terminal
// statuses are frozen, state only moves forward, outputs are merged by URL.
func merge(current *RunStatus, runID, agentID string, state State, outputs []Output, errMsg string, at time.Time) (RunStatus, bool) {
	var next RunStatus
	created := current == nil
	if created {
		next = RunStatus{RunID: runID, State: StateUnknown, Outputs: []Output{}}
	} else {
		if current.Terminal() {
			return current.Clone(), false
		}
		next = current.Clone()
	}

	changed := created
	if next.AgentID == "" && agentID != "" {
		next.AgentID = agentID
		changed = true
	}
	if state.rank() > next.State.rank() {
		next.State = state
		changed = true
	}

	var added bool
	next.Outputs, added = mergeOutputs(next.Outputs, outputs)
	changed = changed || added

	if next.State == StateFailed && errMsg != "" && next.Error != errMsg {
		next.Error = errMsg
		changed = true
	}

	if changed {
		if at.IsZero() {
			at = time.Now().UTC()
		}
		next.LastUpdated = at
	}
	return next, changed
}

// mergeOutputs appends each incoming output whose URL is not already present.
func mergeOutputs(existing, incoming []Output) ([]Output, bool) {
	if existing == nil {
		existing = []Output{}
	}
	if len(incoming) == 0 {
		return existing, false
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, o := range existing {
		seen[o.VideoURL] = struct{}{}
	}

	added := false
	for _, o := range incoming {
		if o.VideoURL == "" {
			continue
		}
		if _, dup := seen[o.VideoURL]; dup {
			continue
		}
		seen[o.VideoURL] = struct{}{}
		existing = append(existing, o)
		added = true
	}
	return existing, added
}
