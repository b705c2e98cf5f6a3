package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/mosaic-agent/internal/eventstore"
	"github.com/jonathan/mosaic-agent/internal/observability"
	"github.com/jonathan/mosaic-agent/internal/runstatus"
	"github.com/jonathan/mosaic-agent/internal/server/ratelimit"
	"github.com/jonathan/mosaic-agent/internal/signature"
)

const testSecret = "whsec_test"

func newTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, *eventstore.Store) {
	t.Helper()
	if cfg.RateLimit == nil {
		cfg.RateLimit = &ratelimit.Config{Enabled: false}
	}
	store := eventstore.New(eventstore.Config{})
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	s, err := New(cfg, store, opts...)
	require.NoError(t, err)
	t.Cleanup(s.rateLimiter.Stop)
	return s, store
}

func do(t *testing.T, h http.Handler, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func signed(v *signature.Verifier, body []byte) map[string]string {
	return map[string]string{signature.Header: v.Sign(body), "Content-Type": "application/json"}
}

func payload(flag, runID string, extra string) []byte {
	if extra != "" {
		extra = "," + extra
	}
	return []byte(fmt.Sprintf(`{"flag":%q,"run_id":%q,"agent_id":"agent-1"%s}`, flag, runID, extra))
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	w := do(t, s.Handler(), http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	s, store := newTestServer(t, Config{Secret: testSecret})
	body := payload("RUN_STARTED", "run-1", `"inputs":[{"video_id":"v1"}]`)

	w := do(t, s.Handler(), http.MethodPost, "/webhook", body, signed(s.Verifier(), body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[WebhookResponse](t, w)
	assert.True(t, resp.Received)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, uint64(1), resp.Sequence)
	assert.Equal(t, "run-1", resp.RunID)
	assert.True(t, resp.Changed)
	assert.Equal(t, runstatus.StateRunning, resp.State)

	events := store.GetForRun("run-1")
	require.Len(t, events, 1)
	assert.True(t, events[0].SignatureValid)
	assert.Equal(t, "agent-1", events[0].AgentID)
	require.Len(t, events[0].Inputs, 1)
	assert.JSONEq(t, string(body), string(events[0].RawPayload))
}

func TestWebhook_TamperedBodyRejected(t *testing.T) {
	s, store := newTestServer(t, Config{Secret: testSecret})
	body := payload("RUN_STARTED", "run-1", "")
	header := signed(s.Verifier(), body)
	tampered := payload("RUN_STARTED", "run-2", "")

	w := do(t, s.Handler(), http.MethodPost, "/webhook", tampered, header)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, store.ListRecent(0))
	_, tracked := store.Status("run-2")
	assert.False(t, tracked)

	rejected := store.ListRejected(0)
	require.Len(t, rejected, 1)
	assert.Equal(t, eventstore.ReasonSignatureInvalid, rejected[0].Reason)
	assert.Equal(t, "/webhook", rejected[0].Path)
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: testSecret})
	w := do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_NoSecretAcceptsEverything(t *testing.T) {
	s, store := newTestServer(t, Config{})
	w := do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), map[string]string{signature.Header: "garbage"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, store.ListRecent(1)[0].SignatureValid)
}

func TestWebhook_RequireSignatureWithoutSecret(t *testing.T) {
	s, store := newTestServer(t, Config{RequireSignature: true})
	w := do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, eventstore.ReasonSignatureRequired, store.ListRejected(1)[0].Reason)
}

func TestWebhook_TokenMode(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: testSecret, SignatureMode: signature.ModeToken})
	body := payload("RUN_STARTED", "r", "")

	w := do(t, s.Handler(), http.MethodPost, "/webhook", body, map[string]string{signature.Header: testSecret})
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s.Handler(), http.MethodPost, "/webhook", body, map[string]string{signature.Header: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWebhook_MalformedPayloads(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{"flag": "RUN_STARTED",`},
		{"missing run_id", `{"flag":"RUN_STARTED"}`},
		{"empty run_id", `{"flag":"RUN_STARTED","run_id":""}`},
		{"missing flag", `{"run_id":"r"}`},
		{"unknown flag", `{"flag":"RUN_PAUSED","run_id":"r"}`},
		{"wrong output type", `{"flag":"OUTPUTS_FINISHED","run_id":"r","output":"nope"}`},
		{"array body", `[]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store := newTestServer(t, Config{})
			w := do(t, s.Handler(), http.MethodPost, "/webhook", []byte(tt.body), nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			hist := decode[HistoryResponse](t, do(t, s.Handler(), http.MethodGet, "/history", nil, nil))
			assert.Empty(t, hist.History)

			rej := decode[RejectedResponse](t, do(t, s.Handler(), http.MethodGet, "/history/rejected", nil, nil))
			require.Len(t, rej.Rejected, 1)
			assert.Equal(t, eventstore.ReasonMalformedPayload, rej.Rejected[0].Reason)
			assert.Equal(t, tt.body, rej.Rejected[0].BodyPreview)
			assert.Equal(t, uint64(0), store.Stats().Accepted)
		})
	}
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	s, store := newTestServer(t, Config{MaxBodyBytes: 64})
	body := payload("RUN_STARTED", strings.Repeat("x", 100), "")

	w := do(t, s.Handler(), http.MethodPost, "/webhook", body, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, eventstore.ReasonPayloadTooLarge, store.ListRejected(1)[0].Reason)
}

func TestWebhook_Routes(t *testing.T) {
	tests := []struct {
		path      string
		wantToken string
	}{
		{"/webhook", ""},
		{"/webhook/abc", "abc"},
		{"/webhooks/mosaic", ""},
		{"/webhooks/mosaic/team/123", "team/123"},
		{"/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			s, store := newTestServer(t, Config{})
			w := do(t, s.Handler(), http.MethodPost, tt.path, payload("RUN_STARTED", "r", ""), nil)
			require.Equal(t, http.StatusOK, w.Code, w.Body.String())

			ev := store.ListRecent(1)[0]
			assert.Equal(t, tt.wantToken, ev.Token)
			assert.Equal(t, tt.path, ev.Path)
		})
	}
}

func TestWebhook_DuplicateOutputsMerged(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	body := payload("OUTPUTS_FINISHED", "r", `"output":[{"video_url":"https://cdn/a.mp4"}]`)

	first := decode[WebhookResponse](t, do(t, s.Handler(), http.MethodPost, "/webhook", body, nil))
	second := decode[WebhookResponse](t, do(t, s.Handler(), http.MethodPost, "/webhook", body, nil))
	assert.True(t, first.Changed)
	assert.False(t, second.Changed)

	run := decode[RunResponse](t, do(t, s.Handler(), http.MethodGet, "/runs/r", nil, nil))
	assert.Len(t, run.Status.Outputs, 1)
	assert.Len(t, run.Events, 2)
}

func TestWebhook_FullLifecycle(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	h := s.Handler()

	do(t, h, http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), nil)
	do(t, h, http.MethodPost, "/webhook", payload("OUTPUTS_FINISHED", "r", `"output":[{"video_url":"https://cdn/a.mp4"}]`), nil)
	last := decode[WebhookResponse](t, do(t, h, http.MethodPost, "/webhook",
		payload("RUN_FINISHED", "r", `"status":"completed","outputs":[{"url":"https://cdn/a.mp4"},{"video_url":"https://cdn/b.mp4"}]`), nil))
	assert.Equal(t, runstatus.StateCompleted, last.State)

	late := decode[WebhookResponse](t, do(t, h, http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), nil))
	assert.False(t, late.Changed)
	assert.Equal(t, runstatus.StateCompleted, late.State)

	run := decode[RunResponse](t, do(t, h, http.MethodGet, "/runs/r", nil, nil))
	assert.Equal(t, runstatus.StateCompleted, run.Status.State)
	assert.Len(t, run.Status.Outputs, 2)
	assert.Len(t, run.Events, 4)
}

func TestWebhook_FailedRunCarriesError(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_FINISHED", "r", `"status":"failed","error":"encoder crashed"`), nil)

	run := decode[RunResponse](t, do(t, s.Handler(), http.MethodGet, "/runs/r", nil, nil))
	assert.Equal(t, runstatus.StateFailed, run.Status.State)
	assert.Equal(t, "encoder crashed", run.Status.Error)
}

func TestHistory_NewestFirstAndBounded(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	for i := 0; i < 15; i++ {
		do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", fmt.Sprintf("r%d", i), ""), nil)
	}

	hist := decode[HistoryResponse](t, do(t, s.Handler(), http.MethodGet, "/history", nil, nil))
	assert.Equal(t, uint64(15), hist.Total)
	require.Len(t, hist.History, eventstore.DefaultHistorySize)
	assert.Equal(t, "r14", hist.History[0].RunID)
	assert.Equal(t, uint64(15), hist.History[0].Sequence)
	assert.True(t, hist.History[0].SignatureValid)

	limited := decode[HistoryResponse](t, do(t, s.Handler(), http.MethodGet, "/history?limit=3", nil, nil))
	assert.Equal(t, 3, limited.Count)

	w := do(t, s.Handler(), http.MethodGet, "/history?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRuns(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "a", ""), nil)
	do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "b", ""), nil)

	runs := decode[RunsResponse](t, do(t, s.Handler(), http.MethodGet, "/runs", nil, nil))
	require.Len(t, runs.Runs, 2)
	assert.Equal(t, "b", runs.Runs[0].RunID)
	assert.Equal(t, 2, runs.Stats.TrackedRuns)

	w := do(t, s.Handler(), http.MethodGet, "/runs/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIndex(t *testing.T) {
	s, _ := newTestServer(t, Config{Secret: testSecret})
	w := do(t, s.Handler(), http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "mosaic-webhook-listener", resp["service"])
	assert.Equal(t, true, resp["signature_enabled"])
	assert.Equal(t, "hmac", resp["signature"])
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	w := do(t, s.Handler(), http.MethodOptions, "/webhook", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), signature.Header)
}

func TestRateLimit(t *testing.T) {
	s, _ := newTestServer(t, Config{RateLimit: &ratelimit.Config{
		Enabled:         true,
		DefaultLimit:    1000,
		DefaultWindow:   time.Minute,
		EndpointConfigs: ratelimit.WebhookEndpointConfigs(2, time.Hour, 2),
	}})

	body := payload("RUN_STARTED", "r", "")
	for i := 0; i < 2; i++ {
		w := do(t, s.Handler(), http.MethodPost, "/webhook", body, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	}

	w := do(t, s.Handler(), http.MethodPost, "/webhook/other", body, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusOK, do(t, s.Handler(), http.MethodGet, "/health", nil, nil).Code)
	}
}

func TestEventHookAndPrinter(t *testing.T) {
	var out bytes.Buffer
	var seen []runstatus.WebhookEvent
	s, _ := newTestServer(t, Config{},
		WithPrinter(observability.NewPrinter(&out)),
		WithEventHook(func(ev runstatus.WebhookEvent, _ runstatus.RunStatus) { seen = append(seen, ev) }),
	)

	do(t, s.Handler(), http.MethodPost, "/webhook", payload("RUN_STARTED", "r", ""), nil)
	do(t, s.Handler(), http.MethodPost, "/webhook", []byte(`{}`), nil)

	require.Len(t, seen, 1)
	assert.Equal(t, "r", seen[0].RunID)
	assert.Contains(t, out.String(), "AGENT RUN STARTED")
	assert.Contains(t, out.String(), "WEBHOOK REJECTED")
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	s, _ := newTestServer(t, Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ln.Addr().String(), s.Addr().String())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
