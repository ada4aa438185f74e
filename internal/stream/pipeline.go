// Package stream drives parsed backend output into ordered OpenAI-shaped SSE
// chunks. A bounded channel sits between the producer (reading backend
// events) and the consumer (writing transport chunks); cancellation
// propagates through the context on either end. Once streaming has begun the
// contract with the client is a stream that always terminates cleanly: an
// internal mid-stream failure still emits the terminal sentinel, just
// without a finish_reason.
package stream

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentgate/agentgate/internal/backend"
	"github.com/agentgate/agentgate/internal/openai"
	"github.com/agentgate/agentgate/internal/session"
)

// ErrDegraded reports that the stream terminated after an internal error:
// the sentinel was sent but no finish_reason was emitted.
var ErrDegraded = errors.New("stream degraded: terminated without finish_reason")

// Sink receives ordered chunks for one response. WriteChunk blocks until the
// transport accepts the chunk, which is what bounds producer progress when
// the client reads slowly.
type Sink interface {
	WriteChunk(chunk openai.ChatCompletionChunk) error
	// WriteDone emits the literal terminal sentinel.
	WriteDone() error
}

// Result is the assembled response after the stream finishes, used for
// session append and usage accounting.
type Result struct {
	Content   string
	ToolCalls []openai.ToolCall
	Finish    string
	Usage     backend.Usage
	Chunks    int
}

// Pipeline converts backend stream events into wire chunks.
type Pipeline struct {
	Parser   *backend.Parser
	Sessions *session.Store
	Logger   *log.Logger

	// ChunkDeadline bounds the wait between consecutive chunks; exceeding
	// it converts the stream to a synthetic length finish.
	ChunkDeadline time.Duration
	// BufferSize is the producer/consumer channel capacity.
	BufferSize int
}

type piped struct {
	delta backend.Delta
	err   error
}

// Run consumes events until the backend reports a result, the deadline
// passes, or ctx is cancelled. Chunks share id and model; indices increase
// strictly from 0 and exactly the last chunk before the sentinel carries a
// finish_reason. When sessionID is non-empty the assistant turn is appended
// to the session exactly once after a proper finish.
func (p *Pipeline) Run(ctx context.Context, id, model, sessionID string, promptTokens int, events <-chan backend.StreamEvent, sink Sink) (Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	deadline := p.ChunkDeadline
	if deadline <= 0 {
		deadline = 2 * time.Minute
	}
	bufSize := p.BufferSize
	if bufSize < 1 {
		bufSize = 1
	}

	st := &backend.StreamState{}
	deltas := make(chan piped, bufSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(deltas)
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if ev.Err != nil {
					select {
					case deltas <- piped{err: ev.Err}:
					case <-gctx.Done():
					}
					return nil
				}
				d, err := p.Parser.ParseIncremental(ev.Line, st)
				if err != nil {
					// One bad chunk never aborts the stream.
					if p.Logger != nil {
						p.Logger.Printf("skipping unparseable backend chunk: %v", err)
					}
					continue
				}
				// Tool-call intents surface on the terminal chunk; an
				// intermediate delta forwards only when it carries text.
				if d.Text == "" && !d.Done {
					continue
				}
				select {
				case deltas <- piped{delta: d}:
				case <-gctx.Done():
					return nil
				}
				if d.Done {
					return nil
				}
			}
		}
	})

	var res Result
	var runErr error
	g.Go(func() error {
		var err error
		res, err = p.consume(gctx, id, model, promptTokens, st, deltas, sink, deadline)
		runErr = err
		// Stop the producer once the consumer is done; its error is
		// reported through runErr, not the group, so a degraded stream
		// still drains cleanly.
		cancel()
		return nil
	})
	_ = g.Wait()

	if runErr == nil && res.Finish != "" && sessionID != "" {
		assistant := openai.ChatMessage{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls}
		if err := p.Sessions.AppendMessages(sessionID, []openai.ChatMessage{assistant}); err != nil && p.Logger != nil {
			p.Logger.Printf("append assistant turn to session %s: %v", sessionID, err)
		}
	}
	return res, runErr
}

func (p *Pipeline) consume(ctx context.Context, id, model string, promptTokens int, st *backend.StreamState, deltas <-chan piped, sink Sink, deadline time.Duration) (Result, error) {
	var res Result
	var content strings.Builder

	// Starting: the initial chunk announces the assistant role.
	first := openai.NewChunk(id, model, openai.ChatMessageDelta{Role: "assistant", Content: ""}, nil)
	first.Index = 0
	if err := sink.WriteChunk(first); err != nil {
		return res, err
	}
	res.Chunks = 1

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(deadline)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// The overall backend timeout fired while the client is
				// still connected. Terminate like the inter-chunk deadline
				// so the stream still ends with a finish and the sentinel.
				return p.finishLength(sink, id, model, promptTokens, content.String(), res)
			}
			// Client disconnected: stop writing, release the backend.
			return res, ctx.Err()

		case <-timer.C:
			// Inter-chunk deadline exceeded: synthetic length finish
			// instead of a hung stream.
			return p.finishLength(sink, id, model, promptTokens, content.String(), res)

		case item, ok := <-deltas:
			if !ok && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				// The producer stopped because the overall deadline fired;
				// same termination as observing ctx.Done directly.
				return p.finishLength(sink, id, model, promptTokens, content.String(), res)
			}
			if !ok || item.err != nil {
				// Backend failed mid-stream. Terminate cleanly with the
				// sentinel and no finish_reason.
				if item.err != nil && p.Logger != nil {
					p.Logger.Printf("backend stream error: %v", item.err)
				}
				res.Content = content.String()
				_ = sink.WriteDone()
				return res, ErrDegraded
			}
			d := item.delta
			if d.Done {
				content.WriteString(d.Text)
				res.Content = content.String()
				res.ToolCalls = st.ToolCalls
				res.Finish = st.Finish
				if st.Usage != nil && st.Usage.Exact {
					res.Usage = *st.Usage
				} else {
					res.Usage = backend.Usage{PromptTokens: promptTokens, CompletionTokens: backend.EstimateTokens(res.Content)}
				}
				if err := p.writeFinal(sink, id, model, res, d.Text, st.ToolCalls); err != nil {
					return res, err
				}
				res.Chunks++
				return res, nil
			}

			chunk := openai.NewChunk(id, model, openai.ChatMessageDelta{Content: d.Text}, nil)
			chunk.Index = res.Chunks
			if err := sink.WriteChunk(chunk); err != nil {
				return res, err
			}
			res.Chunks++
			content.WriteString(d.Text)
		}
	}
}

// finishLength closes the stream with a synthetic length finish after a
// deadline, estimating completion usage from the content emitted so far.
func (p *Pipeline) finishLength(sink Sink, id, model string, promptTokens int, partial string, res Result) (Result, error) {
	res.Content = partial
	res.Finish = openai.FinishLength
	res.Usage = backend.Usage{PromptTokens: promptTokens, CompletionTokens: backend.EstimateTokens(partial)}
	if err := p.writeFinal(sink, id, model, res, "", nil); err != nil {
		return res, err
	}
	res.Chunks++
	return res, nil
}

// writeFinal emits the single terminal content-bearing chunk with
// finish_reason and usage, then the sentinel.
func (p *Pipeline) writeFinal(sink Sink, id, model string, res Result, tailText string, toolCalls []openai.ToolCall) error {
	finish := res.Finish
	delta := openai.ChatMessageDelta{Content: tailText}
	for i, tc := range toolCalls {
		delta.ToolCalls = append(delta.ToolCalls, openai.ToolCallDelta{
			Index: i,
			ID:    tc.ID,
			Type:  tc.Type,
			Function: &openai.ToolFunctionPart{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	chunk := openai.NewChunk(id, model, delta, &finish)
	chunk.Index = res.Chunks
	chunk.Usage = &openai.UsageBreakdown{
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.Total(),
	}
	if err := sink.WriteChunk(chunk); err != nil {
		return err
	}
	return sink.WriteDone()
}
