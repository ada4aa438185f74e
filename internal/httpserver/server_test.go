package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/auth"
	"github.com/agentgate/agentgate/internal/backend"
	"github.com/agentgate/agentgate/internal/config"
	ledgersql "github.com/agentgate/agentgate/internal/ledger/sqlite"
	"github.com/agentgate/agentgate/internal/metrics"
	"github.com/agentgate/agentgate/internal/modelmeta"
	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/session"
)

// fakeRunner satisfies backend.Runner with canned output.
type fakeRunner struct {
	result  []byte
	runErr  error
	lines   []string
	lastInv backend.Invocation
}

func (f *fakeRunner) Run(ctx context.Context, inv backend.Invocation) ([]byte, error) {
	f.lastInv = inv
	return f.result, f.runErr
}

func (f *fakeRunner) Stream(ctx context.Context, inv backend.Invocation) (<-chan backend.StreamEvent, error) {
	f.lastInv = inv
	ch := make(chan backend.StreamEvent, len(f.lines))
	for _, l := range f.lines {
		ch <- backend.StreamEvent{Line: []byte(l)}
	}
	close(ch)
	return ch, nil
}

// setValidCredentials puts a well-formed API key in the environment so the
// resolver's first usable strategy succeeds without touching the network.
func setValidCredentials(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-REDACTED")
	t.Setenv("AGENTGATE_USE_BEDROCK", "")
	t.Setenv("AGENTGATE_USE_VERTEX", "")
}

func newTestServer(t *testing.T, runner backend.Runner) (*Server, *session.Store) {
	t.Helper()

	cfg := config.GatewayConfig{
		ListenAddr:            ":0",
		LogLevel:              "info",
		BackendCLIPath:        "agent",
		BackendTimeout:        5 * time.Second,
		BackendDefaultModel:   "sonnet",
		DefaultPermissionMode: "default",
		SessionTTL:            time.Hour,
		SessionMaxCount:       100,
		StreamChunkDeadline:   time.Minute,
		StreamBufferSize:      8,
	}

	sessions := session.NewStore(cfg.SessionTTL, cfg.SessionMaxCount)
	store, err := ledgersql.New(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := New(Deps{
		Config:   cfg,
		Runner:   runner,
		Sessions: sessions,
		Resolver: auth.NewResolver(auth.Options{CLIPath: "agent"}),
		Catalog:  modelmeta.NewCatalog(),
		Ledger:   store,
		Metrics:  metrics.NewCollector(sessions.Len),
		Logger:   log.New(io.Discard, "", 0),
	})
	return s, sessions
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) openai.ErrorEnvelope {
	t.Helper()
	var env openai.ErrorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env
}

func TestChatCompletions(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{
		result: []byte(`{"text":"Hi there.","finish":"stop","usage":{"input_tokens":12,"output_tokens":4}}`),
	}
	s, _ := newTestServer(t, runner)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}

	var resp openai.ChatCompletionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("id = %q, want chatcmpl- prefix", resp.ID)
	}
	if len(resp.Choices) != 1 {
		t.Fatalf("choices = %d, want 1", len(resp.Choices))
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "Hi there." {
		t.Errorf("content = %q", choice.Message.Content)
	}
	if choice.FinishReason != openai.FinishStop {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 4 || resp.Usage.TotalTokens != 16 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if runner.lastInv.Model != "sonnet" {
		t.Errorf("invocation model = %q", runner.lastInv.Model)
	}
	if runner.lastInv.Stream {
		t.Error("non-streaming request should not set Stream")
	}
}

func TestChatCompletions_DefaultModel(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{result: []byte(`{"text":"ok","finish":"stop"}`)}
	s, _ := newTestServer(t, runner)

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hello"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if runner.lastInv.Model != "sonnet" {
		t.Errorf("invocation model = %q, want configured default", runner.lastInv.Model)
	}
}

func TestChatCompletions_InvalidBody(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions", `{not json`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Error.Type != openai.ErrTypeValidation {
		t.Errorf("error type = %q", env.Error.Type)
	}
}

func TestChatCompletions_UnsupportedModel(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"Hello"}]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Error.Code != "unsupported_model" {
		t.Errorf("error code = %q", env.Error.Code)
	}
	if len(env.SupportedModels) == 0 {
		t.Error("expected supported_models hint")
	}
}

func TestChatCompletions_NoCredentials(t *testing.T) {
	// A malformed key selects the API key strategy but fails validation,
	// so no fallback probe runs and the request is rejected.
	t.Setenv("ANTHROPIC_API_KEY", "sk-short")
	t.Setenv("AGENTGATE_USE_BEDROCK", "")
	t.Setenv("AGENTGATE_USE_VERTEX", "")
	s, sessions := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}],"session_id":"sess-x"}`)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Error.Type != openai.ErrTypeAuthentication {
		t.Errorf("error type = %q", env.Error.Type)
	}
	// Credential failure must not leave session state behind.
	if _, ok := sessions.Get("sess-x"); ok {
		t.Error("session should not exist after auth failure")
	}
}

func TestChatCompletions_BackendFailure(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{runErr: context.DeadlineExceeded})

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}]}`)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Error.Type != openai.ErrTypeInternal {
		t.Errorf("error type = %q", env.Error.Type)
	}
	if strings.Contains(env.Error.Message, "deadline") {
		t.Error("internal error message must not leak the cause")
	}
}

func TestChatCompletions_SessionContinuity(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{result: []byte(`{"text":"First answer.","finish":"stop"}`)}
	s, sessions := newTestServer(t, runner)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"First"}],"session_id":"sess-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, body: %s", rec.Code, rec.Body.String())
	}

	sess, ok := sessions.Get("sess-1")
	if !ok {
		t.Fatal("session not created")
	}
	// user turn plus the generated assistant reply
	if len(sess.Messages) != 2 {
		t.Fatalf("session messages = %d, want 2", len(sess.Messages))
	}
	if sess.Messages[1].Role != "assistant" || sess.Messages[1].Content != "First answer." {
		t.Errorf("assistant message = %+v", sess.Messages[1])
	}

	runner.result = []byte(`{"text":"Second answer.","finish":"stop"}`)
	rec = doJSON(t, router, http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Second"}],"session_id":"sess-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("second request status = %d", rec.Code)
	}

	// The prompt sent to the backend carries the stored history.
	if !strings.Contains(runner.lastInv.Prompt, "First answer.") {
		t.Error("second invocation prompt missing prior assistant turn")
	}
	sess, _ = sessions.Get("sess-1")
	if len(sess.Messages) != 4 {
		t.Errorf("session messages after second turn = %d, want 4", len(sess.Messages))
	}
}

func parseSSE(t *testing.T, body string) ([]openai.ChatCompletionChunk, bool) {
	t.Helper()
	var chunks []openai.ChatCompletionChunk
	done := false
	for _, block := range strings.Split(body, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		payload, ok := strings.CutPrefix(block, "data: ")
		if !ok {
			t.Fatalf("malformed SSE block: %q", block)
		}
		if payload == "[DONE]" {
			done = true
			continue
		}
		var c openai.ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &c); err != nil {
			t.Fatalf("decode chunk %q: %v", payload, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, done
}

func TestChatCompletions_Streaming(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{
		lines: []string{
			`{"type":"init","model":"sonnet"}`,
			`{"type":"delta","text":"Hello"}`,
			`{"type":"delta","text":" world"}`,
			`{"type":"result","finish":"stop","usage":{"input_tokens":5,"output_tokens":2}}`,
		},
	}
	s, _ := newTestServer(t, runner)

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}],"stream":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !runner.lastInv.Stream {
		t.Error("streaming request should set Stream on the invocation")
	}

	chunks, done := parseSSE(t, rec.Body.String())
	if !done {
		t.Error("missing [DONE] sentinel")
	}
	if len(chunks) < 3 {
		t.Fatalf("got %d chunks, want at least 3", len(chunks))
	}

	first := chunks[0]
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("first chunk role = %q", first.Choices[0].Delta.Role)
	}
	if first.Index != 0 {
		t.Errorf("first chunk index = %d", first.Index)
	}

	var content strings.Builder
	for i, c := range chunks {
		if c.Object != "chat.completion.chunk" {
			t.Errorf("chunk %d object = %q", i, c.Object)
		}
		if c.Index != i {
			t.Errorf("chunk %d index = %d", i, c.Index)
		}
		content.WriteString(c.Choices[0].Delta.Content)
	}
	if content.String() != "Hello world" {
		t.Errorf("assembled content = %q", content.String())
	}

	last := chunks[len(chunks)-1]
	if last.Choices[0].FinishReason == nil || *last.Choices[0].FinishReason != openai.FinishStop {
		t.Errorf("terminal chunk finish = %v", last.Choices[0].FinishReason)
	}
	if last.Usage == nil || last.Usage.PromptTokens != 5 || last.Usage.CompletionTokens != 2 {
		t.Errorf("terminal chunk usage = %+v", last.Usage)
	}
	for i, c := range chunks[:len(chunks)-1] {
		if c.Choices[0].FinishReason != nil {
			t.Errorf("chunk %d has finish_reason before the terminal chunk", i)
		}
	}
}

func TestChatCompletions_StreamingBackendError(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{
		lines: []string{
			`{"type":"delta","text":"partial"}`,
			// stream ends without a result chunk
		},
	}
	s, _ := newTestServer(t, runner)

	rec := doJSON(t, s.Router(), http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}],"stream":true}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	chunks, done := parseSSE(t, rec.Body.String())
	if !done {
		t.Error("degraded stream must still end with [DONE]")
	}
	for i, c := range chunks {
		if c.Choices[0].FinishReason != nil {
			t.Errorf("chunk %d carries finish_reason on a degraded stream", i)
		}
	}
}

func TestModels(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp openai.ModelsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Object != "list" {
		t.Errorf("object = %q", resp.Object)
	}
	ids := make(map[string]bool)
	for _, m := range resp.Data {
		ids[m.ID] = true
		if m.Object != "model" {
			t.Errorf("model object = %q", m.Object)
		}
	}
	for _, want := range []string{"opus", "sonnet", "haiku"} {
		if !ids[want] {
			t.Errorf("missing builtin model %q", want)
		}
	}
}

func TestAuthStatus(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/v1/auth/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var status auth.Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Method != auth.MethodAnthropic {
		t.Errorf("method = %q", status.Method)
	}
	if !status.Valid {
		t.Error("status should be valid")
	}
	if strings.Contains(rec.Body.String(), "0123456789abcdef") {
		t.Error("response must not contain the raw key")
	}
}

func TestSessionEndpoints(t *testing.T) {
	setValidCredentials(t)
	s, sessions := newTestServer(t, &fakeRunner{})
	router := s.Router()

	if _, err := sessions.Create("sess-a", "sonnet", "", 0); err != nil {
		t.Fatalf("create session: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/sessions", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d, want 1", list.Count)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions/sess-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/sessions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get missing status = %d, want 404", rec.Code)
	}
	env := decodeError(t, rec)
	if env.Detail == "" {
		t.Error("404 response should carry a detail field")
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/sess-a", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
	var deleted struct {
		ID      string `json:"id"`
		Deleted bool   `json:"deleted"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&deleted); err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if deleted.ID != "sess-a" || !deleted.Deleted {
		t.Errorf("delete response = %+v", deleted)
	}

	rec = doJSON(t, router, http.MethodDelete, "/v1/sessions/sess-a", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestUsageEndpoint(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{
		result: []byte(`{"text":"ok","finish":"stop","usage":{"input_tokens":10,"output_tokens":3}}`),
	}
	s, _ := newTestServer(t, runner)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/usage?limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("usage status = %d, body: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		Summary struct {
			Requests         int64 `json:"requests"`
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
		} `json:"summary"`
		Recent []struct {
			Model string `json:"model"`
		} `json:"recent"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode usage: %v", err)
	}
	if payload.Summary.Requests != 1 {
		t.Errorf("requests = %d, want 1", payload.Summary.Requests)
	}
	if payload.Summary.PromptTokens != 10 || payload.Summary.CompletionTokens != 3 {
		t.Errorf("summary tokens = %+v", payload.Summary)
	}
	if len(payload.Recent) != 1 || payload.Recent[0].Model != "sonnet" {
		t.Errorf("recent = %+v", payload.Recent)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/usage?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d, want 400", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	setValidCredentials(t)
	s, _ := newTestServer(t, &fakeRunner{})

	rec := doJSON(t, s.Router(), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var payload struct {
		Status     string `json:"status"`
		Version    string `json:"version"`
		BackendCLI string `json:"backend_cli"`
		Sessions   int    `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Errorf("status = %q", payload.Status)
	}
	if payload.Version == "" {
		t.Error("version missing")
	}
	if payload.BackendCLI != "agent" {
		t.Errorf("backend_cli = %q", payload.BackendCLI)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	setValidCredentials(t)
	runner := &fakeRunner{result: []byte(`{"text":"ok","finish":"stop"}`)}
	s, _ := newTestServer(t, runner)
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/v1/chat/completions",
		`{"model":"sonnet","messages":[{"role":"user","content":"Hello"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("completion status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "agentgate_requests_total") {
		t.Error("metrics exposition missing request counter")
	}
	if !strings.Contains(body, "agentgate_sessions_active") {
		t.Error("metrics exposition missing session gauge")
	}
}
