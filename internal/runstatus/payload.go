package runstatus

import (
	"strings"
	"time"
)

// OutputPayload is an output as it appears on the wire. The remote API sends
// either video_url or url.
type OutputPayload struct {
	VideoURL     string `json:"video_url,omitempty"`
	URL          string `json:"url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ToOutputs converts wire outputs, dropping entries with no URL.
func ToOutputs(in []OutputPayload) []Output {
	if len(in) == 0 {
		return nil
	}
	out := make([]Output, 0, len(in))
	for _, p := range in {
		u := strings.TrimSpace(p.VideoURL)
		if u == "" {
			u = strings.TrimSpace(p.URL)
		}
		if u == "" {
			continue
		}
		out = append(out, Output{
			VideoURL:     u,
			ThumbnailURL: p.ThumbnailURL,
			CompletedAt:  ParseTimestamp(p.CompletedAt),
		})
	}
	return out
}

// ParseTimestamp parses an ISO-8601 timestamp, returning the zero time when
// s is empty or unparseable.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
