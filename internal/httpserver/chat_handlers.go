package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/agentgate/agentgate/internal/ledger"
	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/stream"
	"github.com/agentgate/agentgate/internal/translate"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()

	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, openai.NewValidationError(fmt.Sprintf("invalid request body: %v", err), nil))
		s.observe("chat.completions", http.StatusBadRequest, reqStart)
		return
	}

	if req.Model == "" {
		req.Model = s.cfg.BackendDefaultModel
	}

	// Credentials resolve before any session state changes.
	status := s.resolver.Detect(r.Context())
	if !status.Valid {
		s.respondError(w, openai.NewAuthenticationError(string(status.Method), status.Errors))
		s.observe("chat.completions", http.StatusServiceUnavailable, reqStart)
		return
	}

	hdr := translate.Headers{
		MaxTurns:          r.Header.Get("X-Max-Turns"),
		PermissionMode:    r.Header.Get("X-Permission-Mode"),
		MaxThinkingTokens: r.Header.Get("X-Max-Thinking-Tokens"),
	}
	tr, err := s.translator.Translate(req, hdr)
	if err != nil {
		s.respondError(w, err)
		s.observe("chat.completions", statusOf(err), reqStart)
		return
	}
	for _, warning := range tr.Warnings {
		s.debugf("chat.completions: %s", warning)
	}

	id := "chatcmpl-" + shortuuid.New()

	if req.Stream {
		s.handleChatStream(w, r, reqStart, id, req.Model, tr)
		return
	}

	ctx := r.Context()
	if s.cfg.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BackendTimeout)
		defer cancel()
	}

	upstreamStart := time.Now()
	raw, err := s.runner.Run(ctx, tr.Invocation)
	if err != nil {
		s.respondError(w, openai.NewInternalError(fmt.Errorf("backend invocation: %w", err)))
		s.observe("chat.completions", http.StatusInternalServerError, reqStart)
		return
	}
	upstreamDur := time.Since(upstreamStart)

	parsed, err := s.parser.ParseComplete(raw)
	if err != nil {
		s.respondError(w, openai.NewInternalError(fmt.Errorf("parse backend result: %w", err)))
		s.observe("chat.completions", http.StatusInternalServerError, reqStart)
		return
	}

	usage := parsed.Usage
	if !usage.Exact {
		usage.PromptTokens = tr.PromptTokens
	}

	message := openai.ChatMessage{
		Role:      "assistant",
		Content:   parsed.Content,
		ToolCalls: parsed.ToolCalls,
	}
	if tr.SessionID != "" {
		if err := s.sessions.AppendMessages(tr.SessionID, []openai.ChatMessage{message}); err != nil {
			s.debugf("chat.completions: session append failed: %v", err)
		}
	}

	resp := openai.NewCompletionResponse(id, req.Model, message, parsed.Finish, openai.UsageBreakdown{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.Total(),
	})

	s.recordUsage(r.Context(), req.Model, tr.SessionID, usage.PromptTokens, usage.CompletionTokens, false, !usage.Exact, "chat.completions")
	s.respondJSON(w, http.StatusOK, resp)
	s.observe("chat.completions", http.StatusOK, reqStart)
	if s.logger != nil {
		s.logger.Printf("[INFO] chat.completions total_ms=%d upstream_ms=%d model=%s session=%s",
			time.Since(reqStart).Milliseconds(), upstreamDur.Milliseconds(), req.Model, tr.SessionID)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, reqStart time.Time, id, model string, tr translate.Translation) {
	ctx := r.Context()
	if s.cfg.BackendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BackendTimeout)
		defer cancel()
	}

	inv := tr.Invocation
	inv.Stream = true
	events, err := s.runner.Stream(ctx, inv)
	if err != nil {
		s.respondError(w, openai.NewInternalError(fmt.Errorf("backend invocation: %w", err)))
		s.observe("chat.completions.stream", http.StatusInternalServerError, reqStart)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	sink := &sseSink{w: w, flusher: flusher}

	res, err := s.pipeline.Run(ctx, id, model, tr.SessionID, tr.PromptTokens, events, sink)
	if err != nil && !errors.Is(err, stream.ErrDegraded) && s.logger != nil {
		s.logger.Printf("[ERROR] chat.completions.stream: %v", err)
	}

	if s.collector != nil {
		s.collector.AddStreamChunks(res.Chunks)
	}
	if res.Finish != "" {
		s.recordUsage(r.Context(), model, tr.SessionID, res.Usage.PromptTokens, res.Usage.CompletionTokens, true, !res.Usage.Exact, "chat.completions(stream)")
	}
	s.observe("chat.completions.stream", http.StatusOK, reqStart)
	if s.logger != nil {
		s.logger.Printf("[INFO] chat.completions.stream total_ms=%d chunks=%d model=%s session=%s finish=%q",
			time.Since(reqStart).Milliseconds(), res.Chunks, model, tr.SessionID, res.Finish)
	}
}

func (s *Server) recordUsage(ctx context.Context, model, sessionID string, prompt, completion int, streamed, estimated bool, memo string) {
	if s.collector != nil {
		s.collector.AddTokens(prompt, completion)
	}
	if s.ledger == nil {
		return
	}
	entry := ledger.Entry{
		Model:            model,
		SessionID:        sessionID,
		PromptTokens:     int64(prompt),
		CompletionTokens: int64(completion),
		Streamed:         streamed,
		Estimated:        estimated,
		Memo:             memo,
	}
	if err := s.ledger.Record(ctx, entry); err != nil && s.logger != nil {
		s.logger.Printf("[WARN] usage ledger record failed: %v", err)
	}
}

func statusOf(err error) int {
	if apiErr := openai.AsAPIError(err); apiErr != nil {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// sseSink writes chunks in SSE framing and flushes after every event so the
// client observes tokens as they arrive.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) WriteChunk(chunk openai.ChatCompletionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(s.w, "data: "+string(payload)+"\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseSink) WriteDone() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

var _ stream.Sink = (*sseSink)(nil)
