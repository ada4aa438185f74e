package openai

import (
	"encoding/json"
	"strings"
	"time"
)

// ChatCompletionRequest captures the subset of OpenAI's request we support,
// plus the session_id extension used for conversation continuity.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream,omitempty"`
	SessionID string        `json:"session_id,omitempty"`

	Tools      []Tool      `json:"tools,omitempty"`
	ToolChoice interface{} `json:"tool_choice,omitempty"` // "auto", "none", or {type:"function",function:{name}}

	// Accepted for OpenAI client compatibility but not forwarded to the
	// backend; the translator records a compatibility warning instead.
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	N                *int               `json:"n,omitempty"`
	MaxTokens        *int               `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	Stop             interface{}        `json:"stop,omitempty"`
	User             string             `json:"user,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema. Content is normally a
// plain string; clients may also send an array of content parts, which is
// flattened to text on decode.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type chatMessageWire struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// UnmarshalJSON accepts both string content and structured content blocks.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var wire chatMessageWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = FlattenContent(wire.Content)
	m.ToolCalls = wire.ToolCalls
	m.ToolCallID = wire.ToolCallID
	return nil
}

// FlattenContent extracts plain text from an OpenAI content value, which may
// be a string or an array of {type:"text", text:"..."} parts. Non-text parts
// are ignored.
func FlattenContent(content interface{}) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []interface{}:
		var sb strings.Builder
		for _, part := range v {
			block, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if t, _ := block["type"].(string); t != "" && t != "text" && t != "input_text" {
				continue
			}
			if text, ok := block["text"].(string); ok {
				sb.WriteString(text)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// Tool is an OpenAI function tool declaration.
type Tool struct {
	Type     string       `json:"type"` // always "function"
	Function ToolFunction `json:"function"`
}

// ToolFunction carries the function name, description and JSON schema.
type ToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolCall is an assistant-issued function invocation request.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"` // always "function"
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the call target and its JSON-encoded arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool choice variants after normalization.
const (
	ToolChoiceAuto   = "auto"
	ToolChoiceNone   = "none"
	ToolChoiceForced = "forced"
)

// NormalizedToolChoice is the closed-variant form of the wire tool_choice.
type NormalizedToolChoice struct {
	Mode     string // auto|none|forced
	Function string // set when Mode == forced
}

// NormalizeToolChoice folds the loosely typed wire value into a closed set of
// variants. Unknown shapes report ok=false so callers can reject them at the
// boundary instead of carrying interface{} deeper in.
func NormalizeToolChoice(v interface{}) (NormalizedToolChoice, bool) {
	switch tc := v.(type) {
	case nil:
		return NormalizedToolChoice{Mode: ToolChoiceAuto}, true
	case string:
		switch tc {
		case "auto", "":
			return NormalizedToolChoice{Mode: ToolChoiceAuto}, true
		case "none":
			return NormalizedToolChoice{Mode: ToolChoiceNone}, true
		case "required":
			// No single target function; tools stay enabled.
			return NormalizedToolChoice{Mode: ToolChoiceAuto}, true
		}
		return NormalizedToolChoice{}, false
	case map[string]interface{}:
		if t, _ := tc["type"].(string); t != "function" {
			return NormalizedToolChoice{}, false
		}
		fn, _ := tc["function"].(map[string]interface{})
		name, _ := fn["name"].(string)
		if strings.TrimSpace(name) == "" {
			return NormalizedToolChoice{}, false
		}
		return NormalizedToolChoice{Mode: ToolChoiceForced, Function: name}, true
	default:
		return NormalizedToolChoice{}, false
	}
}

// ChatCompletionResponse mirrors the OpenAI schema with a single choice.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   UsageBreakdown         `json:"usage"`
}

// ChatCompletionChoice contains the generated message.
type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      ChatMessage `json:"message"`
	Logprobs     interface{} `json:"logprobs"`
}

// UsageBreakdown provides token accounting.
type UsageBreakdown struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Finish reasons used across responses and stream chunks.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// NewCompletionResponse builds a single-choice response with the provided id.
func NewCompletionResponse(id, model string, message ChatMessage, finishReason string, usage UsageBreakdown) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index:        0,
			FinishReason: finishReason,
			Message:      message,
		}},
		Usage: usage,
	}
}
