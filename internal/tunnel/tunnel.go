// Package tunnel finds the public URL of a local ngrok agent so the webhook
// receiver can hand it to the remote API as a callback.
package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultAPIURL is the ngrok agent's local inspection API.
const DefaultAPIURL = "http://127.0.0.1:4040/api/tunnels"

// ErrNoTunnels is returned when the agent answers but exposes no tunnel.
var ErrNoTunnels = errors.New("no active tunnels")

// Tunnel is one entry of the agent's tunnel list.
type Tunnel struct {
	Name      string `json:"name"`
	PublicURL string `json:"public_url"`
	Proto     string `json:"proto"`
}

// DiscoverError wraps a failure to talk to the agent API.
type DiscoverError struct {
	APIURL string
	Cause  error
}

func (e *DiscoverError) Error() string {
	return fmt.Sprintf("tunnel discovery via %s failed: %v", e.APIURL, e.Cause)
}

func (e *DiscoverError) Unwrap() error {
	return e.Cause
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// Discover returns the public URL of an active tunnel, preferring https.
// An empty apiURL means DefaultAPIURL.
func Discover(ctx context.Context, apiURL string) (string, error) {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return "", &DiscoverError{APIURL: apiURL, Cause: err}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &DiscoverError{APIURL: apiURL, Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &DiscoverError{APIURL: apiURL, Cause: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var body struct {
		Tunnels []Tunnel `json:"tunnels"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", &DiscoverError{APIURL: apiURL, Cause: fmt.Errorf("decode response: %w", err)}
	}

	url := pick(body.Tunnels)
	if url == "" {
		return "", ErrNoTunnels
	}
	return url, nil
}

func pick(tunnels []Tunnel) string {
	first := ""
	for _, t := range tunnels {
		if t.PublicURL == "" {
			continue
		}
		if strings.HasPrefix(t.PublicURL, "https://") {
			return t.PublicURL
		}
		if first == "" {
			first = t.PublicURL
		}
	}
	return first
}

// WaitForURL polls the agent API until a tunnel appears or timeout elapses.
func WaitForURL(ctx context.Context, apiURL string, interval, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		url, err := Discover(ctx, apiURL)
		if err == nil {
			return url, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no tunnel after %s: %w", timeout, lastErr)
		case <-ticker.C:
		}
	}
}

// Available reports whether the ngrok binary is on PATH.
func Available() bool {
	_, err := exec.LookPath("ngrok")
	return err == nil
}

// Process is an ngrok agent started by Start.
type Process struct {
	PublicURL string
	cmd       *exec.Cmd
}

// Start launches "ngrok http <port>" and waits for its public URL. The agent
// is killed when ctx is done or Stop is called.
func Start(ctx context.Context, port int, logger *slog.Logger) (*Process, error) {
	if !Available() {
		return nil, errors.New("ngrok is not installed (https://ngrok.com)")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.CommandContext(ctx, "ngrok", "http", strconv.Itoa(port), "--log", "stdout")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ngrok: %w", err)
	}
	logger.Info("ngrok started", "pid", cmd.Process.Pid, "port", port)

	p := &Process{cmd: cmd}
	url, err := WaitForURL(ctx, DefaultAPIURL, 500*time.Millisecond, 10*time.Second)
	if err != nil {
		_ = p.Stop()
		return nil, err
	}
	p.PublicURL = url
	return p, nil
}

// Stop kills the agent and reaps it.
func (p *Process) Stop() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	_ = p.cmd.Wait()
	return nil
}
