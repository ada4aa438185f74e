// Package ledger records per-completion token usage in a local store.
package ledger

import (
	"context"
	"time"
)

// Entry represents a single completed request written to the ledger.
type Entry struct {
	ID               int64     `json:"id"`
	Model            string    `json:"model"`
	SessionID        string    `json:"session_id,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Streamed         bool      `json:"streamed"`
	// Estimated marks counts derived from character length rather than
	// reported by the backend.
	Estimated bool      `json:"estimated"`
	Memo      string    `json:"memo,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary aggregates recorded usage.
type Summary struct {
	Requests         int64 `json:"requests"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	EstimatedEntries int64 `json:"estimated_entries"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context) (Summary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}
