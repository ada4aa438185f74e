package openai

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestChatMessage_UnmarshalStringContent(t *testing.T) {
	var m ChatMessage
	raw := `{"role":"user","content":"plain text"}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Role != "user" || m.Content != "plain text" {
		t.Errorf("message = %+v", m)
	}
}

func TestChatMessage_UnmarshalContentParts(t *testing.T) {
	var m ChatMessage
	raw := `{"role":"user","content":[
		{"type":"text","text":"part one "},
		{"type":"image_url","image_url":{"url":"https://example.com/x.png"}},
		{"type":"text","text":"part two"}
	]}`
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Content != "part one part two" {
		t.Errorf("content = %q", m.Content)
	}
}

func TestFlattenContent(t *testing.T) {
	cases := []struct {
		name string
		in   interface{}
		want string
	}{
		{"nil", nil, ""},
		{"string", "hello", "hello"},
		{"number", 42.0, ""},
		{"untyped text block", []interface{}{map[string]interface{}{"text": "a"}}, "a"},
		{"input_text block", []interface{}{map[string]interface{}{"type": "input_text", "text": "b"}}, "b"},
		{"non-map part skipped", []interface{}{"loose", map[string]interface{}{"type": "text", "text": "c"}}, "c"},
	}
	for _, tc := range cases {
		if got := FlattenContent(tc.in); got != tc.want {
			t.Errorf("%s: FlattenContent = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestNormalizeToolChoice(t *testing.T) {
	cases := []struct {
		name   string
		in     interface{}
		want   NormalizedToolChoice
		wantOK bool
	}{
		{"nil defaults to auto", nil, NormalizedToolChoice{Mode: ToolChoiceAuto}, true},
		{"auto", "auto", NormalizedToolChoice{Mode: ToolChoiceAuto}, true},
		{"none", "none", NormalizedToolChoice{Mode: ToolChoiceNone}, true},
		{"required maps to auto", "required", NormalizedToolChoice{Mode: ToolChoiceAuto}, true},
		{"unknown string", "sometimes", NormalizedToolChoice{}, false},
		{
			"forced function",
			map[string]interface{}{"type": "function", "function": map[string]interface{}{"name": "get_weather"}},
			NormalizedToolChoice{Mode: ToolChoiceForced, Function: "get_weather"},
			true,
		},
		{
			"wrong type field",
			map[string]interface{}{"type": "tool", "function": map[string]interface{}{"name": "x"}},
			NormalizedToolChoice{},
			false,
		},
		{
			"blank function name",
			map[string]interface{}{"type": "function", "function": map[string]interface{}{"name": "  "}},
			NormalizedToolChoice{},
			false,
		},
		{"unexpected shape", 7, NormalizedToolChoice{}, false},
	}
	for _, tc := range cases {
		got, ok := NormalizeToolChoice(tc.in)
		if ok != tc.wantOK || got != tc.want {
			t.Errorf("%s: NormalizeToolChoice = (%+v, %v), want (%+v, %v)", tc.name, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestAPIError_Envelope(t *testing.T) {
	err := NewSessionNotFoundError("sess-9")
	env := err.Envelope()
	if env.Detail != err.Message {
		t.Errorf("404 envelope detail = %q, want the message", env.Detail)
	}

	verr := NewValidationError("bad field", map[string]string{"field": "n"})
	venv := verr.Envelope()
	if venv.Detail != "" {
		t.Error("400 envelope should not set detail")
	}
	if venv.Details["field"] != "n" {
		t.Errorf("details = %+v", venv.Details)
	}
}

func TestAsAPIError(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	wrapped := fmt.Errorf("backend: %w", NewValidationError("bad", nil))

	if got := AsAPIError(wrapped); got.Status != http.StatusBadRequest {
		t.Errorf("wrapped APIError status = %d", got.Status)
	}

	got := AsAPIError(cause)
	if got.Status != http.StatusInternalServerError || got.Type != ErrTypeInternal {
		t.Errorf("plain error mapped to %+v", got)
	}
	if strings.Contains(got.Message, "connection reset") {
		t.Error("internal error message must not expose the cause")
	}
	if !errors.Is(got, cause) {
		t.Error("wrapped cause should survive for server-side logging")
	}
}

func TestNewCompletionResponse(t *testing.T) {
	msg := ChatMessage{Role: "assistant", Content: "done"}
	resp := NewCompletionResponse("chatcmpl-1", "sonnet", msg, FinishStop, UsageBreakdown{
		PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4,
	})
	if resp.Object != "chat.completion" {
		t.Errorf("object = %q", resp.Object)
	}
	if resp.Created == 0 {
		t.Error("created timestamp missing")
	}
	if len(resp.Choices) != 1 || resp.Choices[0].FinishReason != FinishStop {
		t.Errorf("choices = %+v", resp.Choices)
	}
}
