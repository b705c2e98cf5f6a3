package server

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/jonathan/mosaic-agent/internal/runstatus"
	"github.com/jonathan/mosaic-agent/internal/schemas"
)

// webhookPayload is the inbound wire format. OUTPUTS_FINISHED carries its
// outputs under "output", RUN_FINISHED under "outputs".
type webhookPayload struct {
	Flag        string                    `json:"flag"`
	RunID       string                    `json:"run_id"`
	AgentID     string                    `json:"agent_id"`
	Status      string                    `json:"status"`
	Error       string                    `json:"error"`
	Inputs      []inputPayload            `json:"inputs"`
	Output      []runstatus.OutputPayload `json:"output"`
	Outputs     []runstatus.OutputPayload `json:"outputs"`
	TriggeredBy *triggeredByPayload       `json:"triggered_by"`
}

type inputPayload struct {
	VideoID      text `json:"video_id"`
	VideoURL     text `json:"video_url"`
	FileName     text `json:"file_name"`
	FileURL      text `json:"file_url"`
	ThumbnailURL text `json:"thumbnail_url"`
	UploadedAt   text `json:"uploaded_at"`
}

// triggeredByPayload accepts both the flat trigger fields and the nested
// "youtube" object.
type triggeredByPayload struct {
	Type        text        `json:"type"`
	ChannelID   text        `json:"channel_id"`
	ChannelName text        `json:"channel_name"`
	VideoID     text        `json:"video_id"`
	VideoTitle  text        `json:"video_title"`
	VideoURL    text        `json:"video_url"`
	TriggeredAt text        `json:"triggered_at"`
	YouTube     *youtubeRef `json:"youtube"`
}

type youtubeRef struct {
	ID      text `json:"id"`
	Title   text `json:"title"`
	Channel text `json:"channel"`
	URL     text `json:"url"`
}

// UnmarshalJSON ignores a "youtube" value that is not an object.
func (y *youtubeRef) UnmarshalJSON(data []byte) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.TrimSpace(data)[0] != '{' {
		return nil
	}
	type plain youtubeRef
	return json.Unmarshal(data, (*plain)(y))
}

// text is a descriptive field decoded leniently. Numbers and booleans keep
// their literal form; objects and arrays are dropped.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
	case '{', '[', 'n':
		*t = ""
	default:
		*t = text(data)
	}
	return nil
}

// decodeEvent validates body against the payload schema and converts it.
func decodeEvent(validator *schemas.Validator, body []byte) (runstatus.WebhookEvent, error) {
	if err := validator.Validate(body); err != nil {
		var verr *schemas.ValidationError
		if errors.As(err, &verr) {
			return runstatus.WebhookEvent{}, &ErrMalformedPayload{Detail: verr.Summary()}
		}
		return runstatus.WebhookEvent{}, &ErrMalformedPayload{Detail: "body is not valid JSON"}
	}

	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return runstatus.WebhookEvent{}, &ErrMalformedPayload{Detail: err.Error()}
	}

	flag := runstatus.Flag(p.Flag)
	if !flag.Valid() {
		return runstatus.WebhookEvent{}, &ErrMalformedPayload{Detail: "unknown flag " + p.Flag}
	}

	ev := runstatus.WebhookEvent{
		Flag:        flag,
		RunID:       p.RunID,
		AgentID:     p.AgentID,
		Status:      p.Status,
		Error:       p.Error,
		Inputs:      toInputs(p.Inputs),
		TriggeredBy: p.TriggeredBy.toTriggeredBy(),
		RawPayload:  compact(body),
	}

	switch flag {
	case runstatus.FlagOutputsFinished:
		ev.Outputs = runstatus.ToOutputs(firstNonEmpty(p.Output, p.Outputs))
	case runstatus.FlagRunFinished:
		ev.Outputs = runstatus.ToOutputs(firstNonEmpty(p.Outputs, p.Output))
	}

	return ev, nil
}

func firstNonEmpty(a, b []runstatus.OutputPayload) []runstatus.OutputPayload {
	if len(a) > 0 {
		return a
	}
	return b
}

func toInputs(in []inputPayload) []runstatus.Input {
	if len(in) == 0 {
		return nil
	}
	out := make([]runstatus.Input, 0, len(in))
	for _, p := range in {
		out = append(out, runstatus.Input{
			VideoID:      string(p.VideoID),
			VideoURL:     string(p.VideoURL),
			FileName:     string(p.FileName),
			FileURL:      string(p.FileURL),
			ThumbnailURL: string(p.ThumbnailURL),
			UploadedAt:   runstatus.ParseTimestamp(string(p.UploadedAt)),
		})
	}
	return out
}

func (t *triggeredByPayload) toTriggeredBy() *runstatus.TriggeredBy {
	if t == nil {
		return nil
	}
	tb := &runstatus.TriggeredBy{
		Type:        string(t.Type),
		ChannelID:   string(t.ChannelID),
		ChannelName: string(t.ChannelName),
		VideoID:     string(t.VideoID),
		VideoTitle:  string(t.VideoTitle),
		VideoURL:    string(t.VideoURL),
		TriggeredAt: runstatus.ParseTimestamp(string(t.TriggeredAt)),
	}
	if yt := t.YouTube; yt != nil {
		if tb.VideoID == "" {
			tb.VideoID = string(yt.ID)
		}
		if tb.VideoTitle == "" {
			tb.VideoTitle = string(yt.Title)
		}
		if tb.ChannelName == "" {
			tb.ChannelName = string(yt.Channel)
		}
		if tb.VideoURL == "" {
			tb.VideoURL = string(yt.URL)
		}
	}
	return tb
}

func compact(body []byte) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return append(json.RawMessage{}, body...)
	}
	return buf.Bytes()
}
