package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// StdinThreshold is the prompt size above which the transcript is written to
// the CLI's stdin instead of argv. Large MCP-style tool contexts routinely
// push prompts past any safe argv limit.
const StdinThreshold = 50 * 1024

// maxLineBytes bounds a single stream-json line; the CLI can emit large
// deltas when it flushes buffered output.
const maxLineBytes = 1 << 20

// CLIRunner invokes the agent CLI as a subprocess.
type CLIRunner struct {
	Path   string
	Logger *log.Logger
}

var _ Runner = (*CLIRunner)(nil)

// NewCLIRunner builds a runner for the given binary path.
func NewCLIRunner(path string, logger *log.Logger) *CLIRunner {
	return &CLIRunner{Path: path, Logger: logger}
}

// Run executes a non-streaming invocation and returns the CLI's JSON output.
func (r *CLIRunner) Run(ctx context.Context, inv Invocation) ([]byte, error) {
	args, stdin := buildArgs(inv, "json")
	cmd := exec.CommandContext(ctx, r.Path, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("backend cli: %w (stderr: %s)", err, truncate(stderr.String(), 512))
	}
	return bytes.TrimSpace(out), nil
}

// Stream executes a streaming invocation. Each stdout line becomes one
// StreamEvent; the channel closes when the process exits. Cancelling ctx
// kills the process and releases the handle.
func (r *CLIRunner) Stream(ctx context.Context, inv Invocation) (<-chan StreamEvent, error) {
	args, stdin := buildArgs(inv, "stream-json")
	cmd := exec.CommandContext(ctx, r.Path, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("backend cli: stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("backend cli: start: %w", err)
	}

	ch := make(chan StreamEvent, 10)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// Scanner reuses its buffer; hand out a copy.
			cp := make([]byte, len(line))
			copy(cp, line)
			select {
			case ch <- StreamEvent{Line: cp}:
			case <-ctx.Done():
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			ch <- StreamEvent{Err: fmt.Errorf("backend cli: read stream: %w", err)}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			msg := truncate(stderr.String(), 512)
			if r.Logger != nil {
				r.Logger.Printf("backend cli exited with error: %v stderr=%q", err, msg)
			}
			ch <- StreamEvent{Err: fmt.Errorf("backend cli: %w", err)}
		}
	}()
	return ch, nil
}

// buildArgs assembles the CLI argument list. The prompt travels on stdin
// when it exceeds StdinThreshold; the returned stdin string is empty when it
// fits in argv.
func buildArgs(inv Invocation, outputFormat string) (args []string, stdin string) {
	args = []string{"--output-format", outputFormat, "--model", inv.Model}
	if inv.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(inv.MaxTurns))
	}
	if inv.PermissionMode != "" {
		args = append(args, "--permission-mode", inv.PermissionMode)
	}
	if inv.MaxThinkingTokens > 0 {
		args = append(args, "--max-thinking-tokens", strconv.Itoa(inv.MaxThinkingTokens))
	}
	if inv.SystemPrompt != "" {
		args = append(args, "--system-prompt", inv.SystemPrompt)
	}
	if !inv.Tools.Enabled {
		args = append(args, "--no-tools")
	} else {
		if len(inv.Tools.Allowed) > 0 {
			args = append(args, "--allowed-tools", strings.Join(inv.Tools.Allowed, ","))
		}
		if inv.Tools.Forced != "" {
			args = append(args, "--force-tool", inv.Tools.Forced)
		}
	}
	if len(inv.Prompt) > StdinThreshold {
		return args, inv.Prompt
	}
	return append(args, "-p", inv.Prompt), ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
