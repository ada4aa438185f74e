package backend

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentgate/agentgate/internal/openai"
)

// ToBackendConfig converts the wire tool list and tool_choice into the
// backend's permission shape. With tool_choice "none" or no tools declared,
// backend tool execution is disabled outright.
func ToBackendConfig(tools []openai.Tool, choice openai.NormalizedToolChoice) ToolConfig {
	if len(tools) == 0 || choice.Mode == openai.ToolChoiceNone {
		return ToolConfig{Enabled: false}
	}
	cfg := ToolConfig{Enabled: true, Allowed: make([]string, 0, len(tools))}
	for _, t := range tools {
		name := strings.TrimSpace(t.Function.Name)
		if name == "" {
			continue
		}
		cfg.Allowed = append(cfg.Allowed, name)
	}
	if choice.Mode == openai.ToolChoiceForced {
		cfg.Forced = choice.Function
	}
	if len(cfg.Allowed) == 0 {
		return ToolConfig{Enabled: false}
	}
	return cfg
}

// toolUsePayload is the JSON body of a <tool_use> span:
// {"name":"get_weather","input":{"city":"Oslo"}}.
type toolUsePayload struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// FromBackendOutput maps one tool_use payload onto the wire tool_calls shape
// with a synthesized call id.
func FromBackendOutput(payload string) (openai.ToolCall, error) {
	var tu toolUsePayload
	if err := json.Unmarshal([]byte(payload), &tu); err != nil {
		return openai.ToolCall{}, fmt.Errorf("tool_use payload: %w", err)
	}
	if strings.TrimSpace(tu.Name) == "" {
		return openai.ToolCall{}, fmt.Errorf("tool_use payload missing name")
	}
	args := string(tu.Input)
	if strings.TrimSpace(args) == "" {
		args = "{}"
	}
	return openai.ToolCall{
		ID:   newCallID(),
		Type: "function",
		Function: openai.ToolCallFunction{
			Name:      tu.Name,
			Arguments: args,
		},
	}, nil
}

func newCallID() string {
	return "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}
