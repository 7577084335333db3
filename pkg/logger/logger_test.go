package logger

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetLevelAdjustsSharedLevel(t *testing.T) {
	prev := level.Level()
	t.Cleanup(func() { level.Set(prev) })

	SetLevel("error")
	if level.Level() != slog.LevelError {
		t.Fatalf("expected error level, got %v", level.Level())
	}
	SetLevel("debug")
	if level.Level() != slog.LevelDebug {
		t.Fatalf("expected debug level, got %v", level.Level())
	}
}

func TestDiscardDropsEverything(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("discard logger should not be enabled")
	}
}
