package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentgate/agentgate/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []ledger.Entry{
		{Model: "sonnet", PromptTokens: 10, CompletionTokens: 20, Memo: "chat.completions"},
		{Model: "sonnet", SessionID: "conv-1", PromptTokens: 5, CompletionTokens: 5, Streamed: true, Estimated: true},
		{Model: "opus", PromptTokens: 100, CompletionTokens: 50},
	}
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Requests != 3 {
		t.Errorf("requests = %d", sum.Requests)
	}
	if sum.PromptTokens != 115 || sum.CompletionTokens != 75 {
		t.Errorf("tokens = %d/%d", sum.PromptTokens, sum.CompletionTokens)
	}
	if sum.TotalTokens != 190 {
		t.Errorf("total = %d", sum.TotalTokens)
	}
	if sum.EstimatedEntries != 1 {
		t.Errorf("estimated entries = %d", sum.EstimatedEntries)
	}
}

func TestRecordRequiresModel(t *testing.T) {
	s := newTestStore(t)
	if err := s.Record(context.Background(), ledger.Entry{}); err == nil {
		t.Fatal("expected error for entry without model")
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		e := ledger.Entry{
			Model:            "sonnet",
			PromptTokens:     int64(i),
			CompletionTokens: 1,
			CreatedAt:        base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.ListRecent(ctx, 3)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].PromptTokens != 4 || got[2].PromptTokens != 2 {
		t.Errorf("order wrong: %v, %v, %v", got[0].PromptTokens, got[1].PromptTokens, got[2].PromptTokens)
	}
}

func TestListRecentFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := ledger.Entry{Model: "sonnet", SessionID: "abc", PromptTokens: 1, CompletionTokens: 2, Streamed: true, Estimated: true, Memo: "chat.completions(stream)"}
	if err := s.Record(ctx, e); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	if !got[0].Streamed || !got[0].Estimated {
		t.Errorf("flags not round-tripped: %+v", got[0])
	}
	if got[0].SessionID != "abc" || got[0].Memo != "chat.completions(stream)" {
		t.Errorf("entry = %+v", got[0])
	}
}
