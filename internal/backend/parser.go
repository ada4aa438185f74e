package backend

import (
	"fmt"
	"log"
	"strings"

	"github.com/agentgate/agentgate/internal/openai"
)

// Markers delimiting non-user-visible spans in backend text. Spans never
// nest. Thinking spans are dropped from wire content; tool_use spans carry a
// JSON payload that becomes a wire tool call.
const (
	openThinking  = "<thinking>"
	closeThinking = "</thinking>"
	openToolUse   = "<tool_use>"
	closeToolUse  = "</tool_use>"
)

// Usage is token accounting with provenance. Exact means the backend
// reported the counts; otherwise they were estimated from character length.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Exact            bool
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// EstimateTokens deterministically approximates a token count from character
// length (4 chars per token, matching the backend's rough average). The
// estimate is zero for empty input and monotonic in input length.
func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return len(text)/4 + 1
}

// ParsedResponse is the outcome of parsing a complete backend result.
type ParsedResponse struct {
	Content   string
	ToolCalls []openai.ToolCall
	Finish    string // openai.FinishStop | FinishToolCalls | FinishLength
	Usage     Usage
	Warnings  []string
}

// Delta is the outcome of parsing one streamed chunk.
type Delta struct {
	Text         string
	NewToolCalls []openai.ToolCall
	Done         bool
}

// StreamState accumulates scanner and usage state across chunks of one
// response. A zero value is ready for use.
type StreamState struct {
	scanner   markerScanner
	ToolCalls []openai.ToolCall
	Finish    string
	Usage     *Usage
	Model     string
	Warnings  []string
	// CompletionChars counts cleaned output for usage estimation.
	CompletionChars int
}

// Parser turns raw backend output into wire-ready content, tool calls and
// usage. A parse failure on one streamed chunk is reported to the caller to
// log and skip; it never aborts the stream.
type Parser struct {
	Logger *log.Logger
}

// ParseComplete parses a non-streaming backend result.
func (p *Parser) ParseComplete(raw []byte) (ParsedResponse, error) {
	res, err := DecodeResult(raw)
	if err != nil {
		return ParsedResponse{}, fmt.Errorf("decode backend result: %w", err)
	}

	var sc markerScanner
	visible, payloads := sc.feed(res.Text)
	tail, warnings := sc.finalize()
	visible += tail

	out := ParsedResponse{
		Content:  strings.TrimSpace(visible),
		Warnings: warnings,
	}
	for _, payload := range payloads {
		tc, err := FromBackendOutput(payload)
		if err != nil {
			out.Warnings = append(out.Warnings, fmt.Sprintf("malformed tool_use span: %v", err))
			continue
		}
		out.ToolCalls = append(out.ToolCalls, tc)
	}
	out.Finish = mapFinish(res.Finish, len(out.ToolCalls) > 0)
	if res.Usage != nil {
		out.Usage = Usage{PromptTokens: res.Usage.InputTokens, CompletionTokens: res.Usage.OutputTokens, Exact: true}
	} else {
		out.Usage = Usage{CompletionTokens: EstimateTokens(out.Content)}
	}
	p.logWarnings(out.Warnings)
	return out, nil
}

// ParseIncremental parses one stream-json line, updating st. An error means
// this chunk is unusable; the stream continues from the next chunk.
func (p *Parser) ParseIncremental(line []byte, st *StreamState) (Delta, error) {
	chunk, err := DecodeChunk(line)
	if err != nil {
		return Delta{}, fmt.Errorf("decode backend chunk: %w", err)
	}
	switch chunk.Type {
	case "init":
		st.Model = chunk.Model
		return Delta{}, nil
	case "delta":
		visible, payloads := st.scanner.feed(chunk.Text)
		d := Delta{Text: visible}
		st.CompletionChars += len(visible)
		for _, payload := range payloads {
			tc, err := FromBackendOutput(payload)
			if err != nil {
				st.Warnings = append(st.Warnings, fmt.Sprintf("malformed tool_use span: %v", err))
				p.logWarnings(st.Warnings[len(st.Warnings)-1:])
				continue
			}
			st.ToolCalls = append(st.ToolCalls, tc)
			d.NewToolCalls = append(d.NewToolCalls, tc)
		}
		return d, nil
	case "result":
		tail, warnings := st.scanner.finalize()
		st.Warnings = append(st.Warnings, warnings...)
		p.logWarnings(warnings)
		st.CompletionChars += len(tail)
		st.Finish = mapFinish(chunk.Finish, len(st.ToolCalls) > 0)
		if chunk.Usage != nil {
			st.Usage = &Usage{PromptTokens: chunk.Usage.InputTokens, CompletionTokens: chunk.Usage.OutputTokens, Exact: true}
		}
		return Delta{Text: tail, Done: true}, nil
	default:
		st.Warnings = append(st.Warnings, fmt.Sprintf("unknown chunk type %q skipped", chunk.Type))
		return Delta{}, nil
	}
}

func (p *Parser) logWarnings(warnings []string) {
	if p.Logger == nil {
		return
	}
	for _, w := range warnings {
		p.Logger.Printf("parser warning: %s", w)
	}
}

func mapFinish(backendFinish string, hasTools bool) string {
	if hasTools {
		return openai.FinishToolCalls
	}
	switch backendFinish {
	case "max_turns", "max_tokens":
		return openai.FinishLength
	default:
		return openai.FinishStop
	}
}

// markerScanner is a linear scanner over the documented delimiter grammar.
// It is stateful so markers split across stream chunks are handled; an
// unterminated span is surfaced by finalize as plain text plus a warning
// rather than dropped.
type markerScanner struct {
	mode  scanMode
	carry string // plain mode: possible partial opening tag
	span  string // marker mode: raw span including the opening tag
}

type scanMode int

const (
	scanPlain scanMode = iota
	scanThinking
	scanToolUse
)

// feed consumes text and returns the user-visible portion plus any completed
// tool_use payloads.
func (s *markerScanner) feed(text string) (string, []string) {
	input := s.carry + text
	s.carry = ""
	var out strings.Builder
	var payloads []string

	for input != "" {
		switch s.mode {
		case scanPlain:
			i := strings.IndexByte(input, '<')
			if i < 0 {
				out.WriteString(input)
				input = ""
				continue
			}
			out.WriteString(input[:i])
			input = input[i:]
			switch {
			case strings.HasPrefix(input, openThinking):
				s.mode = scanThinking
				s.span = openThinking
				input = input[len(openThinking):]
			case strings.HasPrefix(input, openToolUse):
				s.mode = scanToolUse
				s.span = openToolUse
				input = input[len(openToolUse):]
			case partialTag(input):
				// Might become an opening tag once more text arrives.
				s.carry = input
				input = ""
			default:
				out.WriteByte('<')
				input = input[1:]
			}
		case scanThinking:
			s.span += input
			input = ""
			body := s.span[len(openThinking):]
			if j := strings.Index(body, closeThinking); j >= 0 {
				// Reasoning span dropped from wire output.
				input = body[j+len(closeThinking):]
				s.mode = scanPlain
				s.span = ""
			}
		case scanToolUse:
			s.span += input
			input = ""
			body := s.span[len(openToolUse):]
			if j := strings.Index(body, closeToolUse); j >= 0 {
				payloads = append(payloads, body[:j])
				input = body[j+len(closeToolUse):]
				s.mode = scanPlain
				s.span = ""
			}
		}
	}
	return out.String(), payloads
}

// finalize flushes end-of-stream state. An open span is returned verbatim
// with a warning; held-back partial tags are returned as plain text.
func (s *markerScanner) finalize() (string, []string) {
	switch s.mode {
	case scanThinking:
		visible := s.span
		s.span = ""
		s.mode = scanPlain
		return visible, []string{"unterminated <thinking> span kept as plain text"}
	case scanToolUse:
		visible := s.span
		s.span = ""
		s.mode = scanPlain
		return visible, []string{"unterminated <tool_use> span kept as plain text"}
	default:
		visible := s.carry
		s.carry = ""
		return visible, nil
	}
}

// partialTag reports whether input could still grow into one of the opening
// tags with more text.
func partialTag(input string) bool {
	for _, tag := range []string{openThinking, openToolUse} {
		if len(input) < len(tag) && strings.HasPrefix(tag, input) {
			return true
		}
	}
	return false
}
