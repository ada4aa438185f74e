// Package backend drives the local conversational agent CLI. The gateway
// treats the CLI as a black box: an invocation descriptor goes in, a single
// JSON result or a line-delimited stream of JSON chunks comes out.
package backend

import (
	"context"
	"encoding/json"
)

// ToolConfig is the backend-side tool permission shape. When Enabled is
// false the CLI is launched with tool execution disabled entirely; the
// backend must never run tools the caller did not opt into on the wire.
type ToolConfig struct {
	Enabled bool
	Allowed []string // function names the backend may signal intents for
	Forced  string   // require this function when set
}

// Invocation describes one backend run.
type Invocation struct {
	Model             string // backend model name, already catalog-resolved
	Prompt            string // serialized transcript
	SystemPrompt      string
	MaxTurns          int
	PermissionMode    string
	MaxThinkingTokens int
	Tools             ToolConfig
	Stream            bool
}

// RawUsage carries backend-reported token counts.
type RawUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RawResult is the complete (non-streaming) CLI output.
type RawResult struct {
	Text   string    `json:"text"`
	Finish string    `json:"finish"` // "stop" or "max_turns"
	Usage  *RawUsage `json:"usage,omitempty"`
}

// RawChunk is one line of the CLI's stream-json output.
type RawChunk struct {
	Type   string    `json:"type"` // init|delta|result
	Model  string    `json:"model,omitempty"`
	Text   string    `json:"text,omitempty"`
	Finish string    `json:"finish,omitempty"`
	Usage  *RawUsage `json:"usage,omitempty"`
}

// StreamEvent is one producer-side event: a raw output line or a terminal
// error. After an event with Err != nil the channel is closed.
type StreamEvent struct {
	Line []byte
	Err  error
}

// Runner abstracts the CLI invocation so tests can substitute a fake.
type Runner interface {
	// Run executes a non-streaming invocation and returns the raw JSON output.
	Run(ctx context.Context, inv Invocation) ([]byte, error)
	// Stream executes a streaming invocation. The returned channel closes
	// when the CLI exits or ctx is cancelled; cancelling ctx releases the
	// underlying process.
	Stream(ctx context.Context, inv Invocation) (<-chan StreamEvent, error)
}

// DecodeResult parses a complete CLI output payload.
func DecodeResult(raw []byte) (RawResult, error) {
	var res RawResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return RawResult{}, err
	}
	return res, nil
}

// DecodeChunk parses one stream-json line.
func DecodeChunk(line []byte) (RawChunk, error) {
	var c RawChunk
	if err := json.Unmarshal(line, &c); err != nil {
		return RawChunk{}, err
	}
	return c, nil
}
