package mosaic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// UploadTicket is a signed upload slot returned by the API.
type UploadTicket struct {
	VideoID   string         `json:"video_id"`
	UploadURL string         `json:"upload_url"`
	Fields    map[string]any `json:"fields"`
}

type uploadURLRequest struct {
	Filename    string `json:"filename" validate:"required"`
	ContentType string `json:"content_type" validate:"required"`
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// GuessContentType returns explicit when set, otherwise a MIME type derived
// from the file extension.
func GuessContentType(path, explicit string) string {
	if explicit != "" {
		return explicit
	}
	ext := strings.ToLower(filepath.Ext(path))
	if ctype, ok := videoTypes[ext]; ok {
		return ctype
	}
	if ctype := mime.TypeByExtension(ext); ctype != "" {
		return ctype
	}
	return "application/octet-stream"
}

// GetUploadURL requests a signed upload slot for a file.
func (c *Client) GetUploadURL(ctx context.Context, filename, contentType string) (*UploadTicket, error) {
	req := uploadURLRequest{Filename: filename, ContentType: contentType}
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid upload request: %w", err)
	}

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)

	var ticket UploadTicket
	if err := c.doJSONWithHeaders(ctx, http.MethodPost, "/videos/get_upload_url", headers, req, &ticket); err != nil {
		return nil, fmt.Errorf("failed to get upload URL: %w", err)
	}
	if ticket.VideoID == "" || ticket.UploadURL == "" || ticket.Fields == nil {
		return nil, fmt.Errorf("failed to get upload URL: response is missing video_id, upload_url or fields")
	}
	return &ticket, nil
}

// UploadForm performs the signed multipart form POST of a file. The signed
// fields are written before the file part. Storage answers 204 on success.
func (c *Client) UploadForm(ctx context.Context, ticket *UploadTicket, filename string, content io.Reader) error {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		_ = pw.CloseWithError(writeForm(form, ticket.Fields, filename, content))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ticket.UploadURL, pr)
	if err != nil {
		_ = pr.CloseWithError(err)
		return fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.send(ctx, c.upload, req)
	if err != nil {
		_ = pr.CloseWithError(err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return &UploadRejectedError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.Header.Get("Content-Type"), body),
	}
}

func writeForm(form *multipart.Writer, fields map[string]any, filename string, content io.Reader) error {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := form.WriteField(k, fmt.Sprint(fields[k])); err != nil {
			return err
		}
	}
	part, err := form.CreateFormFile("file", filepath.Base(filename))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return form.Close()
}

// FinalizeUpload tells the API the file is in place. A 413 response is
// returned as *LimitError.
func (c *Client) FinalizeUpload(ctx context.Context, videoID string) error {
	if strings.TrimSpace(videoID) == "" {
		return fmt.Errorf("video ID is required")
	}

	body := map[string]string{"video_id": videoID}
	if err := c.doJSON(ctx, http.MethodPost, "/videos/finalize_upload", body, nil); err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusRequestEntityTooLarge {
			detail := httpErr.Message
			if detail == "" {
				detail = "limit exceeded"
			}
			return &LimitError{Detail: detail}
		}
		return fmt.Errorf("failed to finalize upload: %w", err)
	}
	return nil
}

// UploadProgress receives the steps of UploadVideo.
type UploadProgress func(step string, ticket *UploadTicket)

// UploadVideo runs the whole upload flow for a local file and returns the
// new video ID.
func (c *Client) UploadVideo(ctx context.Context, path, contentType string, progress UploadProgress) (string, error) {
	if progress == nil {
		progress = func(string, *UploadTicket) {}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open video: %w", err)
	}
	defer func() { _ = f.Close() }()

	filename := filepath.Base(path)
	ticket, err := c.GetUploadURL(ctx, filename, GuessContentType(path, contentType))
	if err != nil {
		return "", err
	}
	progress("upload_url", ticket)

	if err := c.UploadForm(ctx, ticket, filename, f); err != nil {
		return "", err
	}
	progress("uploaded", ticket)

	if err := c.FinalizeUpload(ctx, ticket.VideoID); err != nil {
		return "", err
	}
	progress("finalized", ticket)

	return ticket.VideoID, nil
}
