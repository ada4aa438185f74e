package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRotatingWriter_WritesDatedFile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "agentgate.log")

	w, err := NewRotatingWriter(base, 1<<20)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	today := time.Now().UTC().Format("2006-01-02")
	want := filepath.Join(dir, "agentgate-"+today+".log")
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read %s: %v", want, err)
	}
	if string(data) != "hello\n" {
		t.Errorf("file contents = %q", data)
	}
}

func TestRotatingWriter_SizeRollover(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "agentgate.log")

	w, err := NewRotatingWriter(base, 10)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	// First write fits, second would exceed MaxBytes and rolls the index.
	if _, err := w.Write([]byte("12345678")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := w.Write([]byte("overflow")); err != nil {
		t.Fatalf("second write: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 log files, got %d", len(entries))
	}

	today := time.Now().UTC().Format("2006-01-02")
	rolled := filepath.Join(dir, "agentgate-"+today+"-2.log")
	data, err := os.ReadFile(rolled)
	if err != nil {
		t.Fatalf("read rolled file: %v", err)
	}
	if !strings.Contains(string(data), "overflow") {
		t.Errorf("rolled file contents = %q", data)
	}
}

func TestRotatingWriter_Discard(t *testing.T) {
	w, err := NewRotatingWriter("-", 100)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if _, err := w.Write([]byte("dropped")); err != nil {
		t.Errorf("write to discard: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}
