package mosaic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AddChannelsRequest registers YouTube channels as triggers for an agent.
type AddChannelsRequest struct {
	AgentID  string   `validate:"required"`
	Channels []string `validate:"required,min=1,dive,required"`
	// CallbackURL, when set, receives trigger notifications.
	CallbackURL string `validate:"omitempty,url"`
	// RemoveCallback sends an explicit null callback, clearing any existing one.
	RemoveCallback bool
}

func (r AddChannelsRequest) body() map[string]any {
	body := map[string]any{"youtube_channels": r.Channels}
	switch {
	case r.RemoveCallback:
		body["trigger_callback_url"] = nil
	case r.CallbackURL != "":
		body["trigger_callback_url"] = r.CallbackURL
	}
	return body
}

// AddYouTubeChannels adds channels to the agent's trigger and returns the raw
// API response. An empty response body yields {"status":"ok"}.
func (c *Client) AddYouTubeChannels(ctx context.Context, req AddChannelsRequest) (json.RawMessage, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid trigger request: %w", err)
	}
	if req.RemoveCallback && req.CallbackURL != "" {
		return nil, fmt.Errorf("invalid trigger request: callback URL and callback removal are mutually exclusive")
	}

	var out json.RawMessage
	path := "/agent/" + url.PathEscape(req.AgentID) + "/triggers/add_youtube_channels"
	if err := c.doJSON(ctx, http.MethodPost, path, req.body(), &out); err != nil {
		return nil, fmt.Errorf("failed to add YouTube channels: %w", err)
	}
	if len(out) == 0 {
		out = json.RawMessage(`{"status":"ok"}`)
	}
	return out, nil
}

// Trigger is one trigger configuration of an agent. Unknown fields are kept
// in Raw.
type Trigger struct {
	ID                 string          `json:"id,omitempty"`
	Type               string          `json:"type,omitempty"`
	YouTubeChannels    []string        `json:"youtube_channels,omitempty"`
	TriggerCallbackURL string          `json:"trigger_callback_url,omitempty"`
	Raw                json.RawMessage `json:"-"`
}

// GetTriggers lists an agent's triggers. The API answers with either a single
// trigger object or a list; both are returned as a slice.
func (c *Client) GetTriggers(ctx context.Context, agentID string) ([]Trigger, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, fmt.Errorf("agent ID is required")
	}

	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/agent/"+url.PathEscape(agentID)+"/triggers", nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to get triggers: %w", err)
	}
	return decodeTriggers(raw)
}

func decodeTriggers(raw json.RawMessage) ([]Trigger, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	var items []json.RawMessage
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, fmt.Errorf("failed to decode triggers: %w", err)
		}
	} else {
		items = []json.RawMessage{raw}
	}

	triggers := make([]Trigger, 0, len(items))
	for _, item := range items {
		var t Trigger
		if err := json.Unmarshal(item, &t); err != nil {
			return nil, fmt.Errorf("failed to decode trigger: %w", err)
		}
		t.Raw = item
		triggers = append(triggers, t)
	}
	return triggers, nil
}

// ParseChannels splits a comma-separated channel list. Entries that look
// like neither a channel ID, a YouTube URL nor a handle are kept but
// reported as warnings.
func ParseChannels(s string) (channels []string, warnings []string) {
	for _, part := range strings.Split(s, ",") {
		ch := strings.TrimSpace(part)
		if ch == "" {
			continue
		}
		channels = append(channels, ch)
		if !looksLikeChannel(ch) {
			warnings = append(warnings, fmt.Sprintf("%q may not be a valid channel ID, URL, or handle", ch))
		}
	}
	return channels, warnings
}

func looksLikeChannel(ch string) bool {
	switch {
	case strings.HasPrefix(ch, "UC") && len(ch) == 24:
		return true
	case strings.Contains(ch, "youtube.com"), strings.Contains(ch, "youtu.be"):
		return true
	case strings.HasPrefix(ch, "@"):
		return true
	}
	return false
}

// ValidCallbackURL reports whether u is an absolute http(s) URL.
func ValidCallbackURL(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}
