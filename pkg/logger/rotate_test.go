package logger

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRotatingWriterRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "events.jsonl")
	w, err := NewRotatingWriter(RotateConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Perm: 0o600})
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	defer w.Close()

	chunk := make([]byte, 700*1024)
	for i := range chunk {
		chunk[i] = 'x'
	}
	for i := 0; i < 3; i++ {
		if _, err := w.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(path + ".1"); err != nil {
		t.Fatalf("expected first backup: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat current: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("unexpected permissions: %v", info.Mode().Perm())
	}
}

func TestRotatingWriterRequiresPath(t *testing.T) {
	if _, err := NewRotatingWriter(RotateConfig{}); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
