package mosaic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// maxErrorMessage caps the response text carried in an HTTPError.
const maxErrorMessage = 300

// HTTPError is a non-2xx response from the Mosaic API.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.StatusCode)
}

// Transient reports whether retrying the same request may succeed.
func (e *HTTPError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RequestError is a failure to complete the HTTP exchange at all.
type RequestError struct {
	Method string
	URL    string
	Cause  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Cause)
}

func (e *RequestError) Unwrap() error {
	return e.Cause
}

// UploadRejectedError reports a signed-form upload refused by storage policy.
type UploadRejectedError struct {
	StatusCode int
	Message    string
}

func (e *UploadRejectedError) Error() string {
	if e.StatusCode == http.StatusBadRequest {
		return fmt.Sprintf("upload rejected by storage policy (file may exceed 5GB): %s", e.Message)
	}
	return fmt.Sprintf("upload failed: HTTP %d: %s", e.StatusCode, e.Message)
}

// LimitError reports a video that exceeds the service's size or duration limits.
type LimitError struct {
	Detail string
}

func (e *LimitError) Error() string {
	if strings.Contains(strings.ToLower(e.Detail), "duration") {
		return fmt.Sprintf("video duration exceeds limit: %s", e.Detail)
	}
	return fmt.Sprintf("video exceeds limits: %s", e.Detail)
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts, 429 and 5xx responses. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Transient()
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// errorMessage extracts a short human-readable message from an error body.
// JSON bodies contribute their detail/error/message field, HTML bodies their
// title or visible text.
func errorMessage(contentType string, body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Error   json.RawMessage `json:"error"`
		Message json.RawMessage `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		for _, raw := range []json.RawMessage{envelope.Detail, envelope.Error, envelope.Message} {
			if msg := rawText(raw); msg != "" {
				return truncate(msg)
			}
		}
	}

	if strings.Contains(contentType, "html") || bytes.HasPrefix(body, []byte("<")) {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			text := strings.TrimSpace(doc.Find("title").First().Text())
			if text == "" {
				text = strings.Join(strings.Fields(doc.Find("body").Text()), " ")
			}
			if text != "" {
				return truncate(text)
			}
		}
	}

	return truncate(strings.Join(strings.Fields(string(body)), " "))
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func truncate(s string) string {
	if len(s) <= maxErrorMessage {
		return s
	}
	return s[:maxErrorMessage-3] + "..."
}
