package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
)

// StartRunRequest starts an agent run over previously uploaded videos.
type StartRunRequest struct {
	AgentID     string   `json:"-" validate:"required"`
	VideoIDs    []string `json:"video_ids" validate:"required,min=1,dive,required"`
	CallbackURL string   `json:"callback_url,omitempty" validate:"omitempty,url"`
}

// StartRunResponse is the API's answer to a run request.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// RunStatusResponse is the body of GET /agent_run/{run_id}.
type RunStatusResponse struct {
	RunID     string                    `json:"run_id,omitempty"`
	AgentID   string                    `json:"agent_id,omitempty"`
	Status    string                    `json:"status"`
	Outputs   []runstatus.OutputPayload `json:"outputs,omitempty"`
	Error     string                    `json:"error,omitempty"`
	CreatedAt string                    `json:"created_at,omitempty"`
	UpdatedAt string                    `json:"updated_at,omitempty"`
	// Raw is the undecoded response body.
	Raw json.RawMessage `json:"-"`
}

// StartRun starts an agent run and returns its run ID.
func (c *Client) StartRun(ctx context.Context, req StartRunRequest) (string, error) {
	if err := c.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid run request: %w", err)
	}

	var resp StartRunResponse
	path := "/agent/" + url.PathEscape(req.AgentID) + "/run"
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", fmt.Errorf("failed to start agent run: %w", err)
	}
	if strings.TrimSpace(resp.RunID) == "" {
		return "", fmt.Errorf("failed to start agent run: response has no run_id")
	}
	return resp.RunID, nil
}

// GetRunStatus fetches the current status of a run.
func (c *Client) GetRunStatus(ctx context.Context, runID string) (*RunStatusResponse, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run ID is required")
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/agent_run/"+url.PathEscape(runID), nil, &raw); err != nil {
		return nil, err
	}

	var resp RunStatusResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("failed to decode run status: %w", err)
		}
	}
	resp.Raw = raw
	if resp.RunID == "" {
		resp.RunID = runID
	}
	return &resp, nil
}

// Snapshot fetches the run status and converts it for the run status model.
func (c *Client) Snapshot(ctx context.Context, runID string) (runstatus.Snapshot, error) {
	resp, err := c.GetRunStatus(ctx, runID)
	if err != nil {
		return runstatus.Snapshot{}, err
	}
	return resp.Snapshot(), nil
}

// Snapshot converts the response into a status snapshot.
func (r *RunStatusResponse) Snapshot() runstatus.Snapshot {
	return runstatus.Snapshot{
		RunID:   r.RunID,
		State:   runstatus.ParseState(r.Status),
		Outputs: runstatus.ToOutputs(r.Outputs),
		Error:   r.Error,
	}
}
