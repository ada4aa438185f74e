// Package translate merges incoming OpenAI-shaped requests with stored
// session history and produces backend invocation descriptors. Validation
// happens before any session mutation so failed requests leave no partial
// state behind.
package translate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/agentgate/agentgate/internal/backend"
	"github.com/agentgate/agentgate/internal/modelmeta"
	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/session"
)

// Headers carries the raw custom header values mapped onto backend options.
type Headers struct {
	MaxTurns          string // X-Max-Turns
	PermissionMode    string // X-Permission-Mode
	MaxThinkingTokens string // X-Max-Thinking-Tokens
}

// Translation is the outcome of translating one request.
type Translation struct {
	Invocation     backend.Invocation
	SessionID      string // empty when the request is stateless
	SessionCreated bool
	MergedMessages []openai.ChatMessage
	ToolChoice     openai.NormalizedToolChoice
	Warnings       []string
	// PromptTokens is the estimated prompt size, used when the backend does
	// not report exact counts.
	PromptTokens int
}

// Translator validates requests, resolves models, merges session history and
// assembles invocation descriptors.
type Translator struct {
	Catalog  *modelmeta.Catalog
	Sessions *session.Store

	DefaultPermissionMode string
	DefaultMaxTurns       int
}

var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
	"system":    true,
	"tool":      true,
}

// Translate validates the request, merges any session history, delegates
// tool configuration to the bridge and produces the invocation descriptor.
// The new request messages are appended to the session before return, so the
// pipeline only needs to append the assistant's reply afterwards.
func (t *Translator) Translate(req openai.ChatCompletionRequest, hdr Headers) (Translation, error) {
	var out Translation

	// Step 1: wire parameter validation.
	backendModel, ok := t.Catalog.Resolve(req.Model)
	if !ok {
		return out, openai.NewUnsupportedModelError(req.Model, t.Catalog.IDs())
	}
	if len(req.Messages) == 0 {
		return out, openai.NewValidationError("messages must not be empty", map[string]string{"messages": "required"})
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return out, openai.NewValidationError(
				fmt.Sprintf("invalid role %q", m.Role),
				map[string]string{fmt.Sprintf("messages[%d].role", i): "must be one of user, assistant, system, tool"})
		}
		if m.Role == "tool" && strings.TrimSpace(m.ToolCallID) == "" {
			return out, openai.NewValidationError(
				"tool message missing tool_call_id",
				map[string]string{fmt.Sprintf("messages[%d].tool_call_id", i): "required for role tool"})
		}
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return out, openai.NewValidationError(
				"message has neither content nor tool_calls",
				map[string]string{fmt.Sprintf("messages[%d].content", i): "required"})
		}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return out, openai.NewValidationError("temperature out of range",
			map[string]string{"temperature": "must be between 0 and 2"})
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return out, openai.NewValidationError("top_p out of range",
			map[string]string{"top_p": "must be between 0 and 1"})
	}
	if req.N != nil && *req.N != 1 {
		return out, openai.NewValidationError("n must be 1",
			map[string]string{"n": "multiple choices are not supported"})
	}
	choice, ok := openai.NormalizeToolChoice(req.ToolChoice)
	if !ok {
		return out, openai.NewValidationError("unrecognized tool_choice shape",
			map[string]string{"tool_choice": "must be \"auto\", \"none\", \"required\" or a function selector"})
	}
	out.ToolChoice = choice
	out.Warnings = compatibilityWarnings(req)

	// Step 4 runs before session work so header errors leave no state.
	maxTurns, permissionMode, maxThinking, err := t.resolveHeaders(hdr)
	if err != nil {
		return out, err
	}

	// Step 2: session continuity.
	merged := req.Messages
	systemPrompt := firstSystemPrompt(req.Messages)
	if req.SessionID != "" {
		sess, created, err := t.Sessions.GetOrCreate(req.SessionID, req.Model, systemPrompt, maxTurns)
		if err != nil {
			return out, openai.NewInternalError(fmt.Errorf("session %s: %w", req.SessionID, err))
		}
		out.SessionID = sess.ID
		out.SessionCreated = created
		if !created && sess.Model != req.Model {
			out.Warnings = append(out.Warnings, fmt.Sprintf(
				"session %s was started with model %q; this request invokes %q", sess.ID, sess.Model, req.Model))
		}
		if len(sess.Messages) > 0 {
			merged = append(append([]openai.ChatMessage{}, sess.Messages...), req.Messages...)
		}
		if sess.SystemPrompt != "" && systemPrompt == "" {
			systemPrompt = sess.SystemPrompt
		}
		if err := t.Sessions.AppendMessages(sess.ID, req.Messages); err != nil {
			return out, openai.NewInternalError(fmt.Errorf("append to session %s: %w", sess.ID, err))
		}
	}
	out.MergedMessages = merged

	// Step 3: tool configuration.
	toolCfg := backend.ToBackendConfig(req.Tools, choice)

	// Step 5: invocation assembly.
	prompt, err := serializeTranscript(merged)
	if err != nil {
		return out, openai.NewInternalError(fmt.Errorf("serialize transcript: %w", err))
	}
	out.PromptTokens = estimatePromptTokens(merged)
	out.Invocation = backend.Invocation{
		Model:             backendModel,
		Prompt:            prompt,
		SystemPrompt:      systemPrompt,
		MaxTurns:          maxTurns,
		PermissionMode:    permissionMode,
		MaxThinkingTokens: maxThinking,
		Tools:             toolCfg,
		Stream:            req.Stream,
	}
	return out, nil
}

func (t *Translator) resolveHeaders(hdr Headers) (maxTurns int, permissionMode string, maxThinking int, err error) {
	maxTurns = t.DefaultMaxTurns
	permissionMode = t.DefaultPermissionMode
	if v := strings.TrimSpace(hdr.MaxTurns); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 1 {
			return 0, "", 0, openai.NewValidationError("invalid X-Max-Turns header",
				map[string]string{"X-Max-Turns": "must be a positive integer"})
		}
		maxTurns = n
	}
	if v := strings.TrimSpace(hdr.PermissionMode); v != "" {
		permissionMode = v
	}
	if v := strings.TrimSpace(hdr.MaxThinkingTokens); v != "" {
		n, perr := strconv.Atoi(v)
		if perr != nil || n < 0 {
			return 0, "", 0, openai.NewValidationError("invalid X-Max-Thinking-Tokens header",
				map[string]string{"X-Max-Thinking-Tokens": "must be a non-negative integer"})
		}
		maxThinking = n
	}
	return maxTurns, permissionMode, maxThinking, nil
}

// compatibilityWarnings records OpenAI parameters the backend cannot honor.
// They are accepted and ignored so stock OpenAI clients keep working.
func compatibilityWarnings(req openai.ChatCompletionRequest) []string {
	var w []string
	if req.Temperature != nil {
		w = append(w, "temperature is not supported by the backend and was ignored")
	}
	if req.TopP != nil {
		w = append(w, "top_p is not supported by the backend and was ignored")
	}
	if req.PresencePenalty != nil {
		w = append(w, "presence_penalty is not supported by the backend and was ignored")
	}
	if req.FrequencyPenalty != nil {
		w = append(w, "frequency_penalty is not supported by the backend and was ignored")
	}
	if len(req.LogitBias) > 0 {
		w = append(w, "logit_bias is not supported by the backend and was ignored")
	}
	if req.Stop != nil {
		w = append(w, "stop sequences are not supported by the backend and were ignored")
	}
	if req.MaxTokens != nil {
		w = append(w, "max_tokens is not supported by the backend and was ignored")
	}
	return w
}

// serializeTranscript renders the merged history as the JSON transcript the
// CLI consumes. System messages ride separately via --system-prompt.
func serializeTranscript(messages []openai.ChatMessage) (string, error) {
	type wireMsg struct {
		Role       string            `json:"role"`
		Content    string            `json:"content,omitempty"`
		ToolCallID string            `json:"tool_call_id,omitempty"`
		ToolCalls  []openai.ToolCall `json:"tool_calls,omitempty"`
	}
	out := make([]wireMsg, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		out = append(out, wireMsg{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, ToolCalls: m.ToolCalls})
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func firstSystemPrompt(messages []openai.ChatMessage) string {
	for _, m := range messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func estimatePromptTokens(messages []openai.ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	n := total/4 + 1
	if floor := len(messages) * 2; n < floor {
		n = floor
	}
	return n
}
