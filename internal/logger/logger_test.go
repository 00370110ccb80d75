package logger

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// helper to close non-nil closers and ignore errors
func closeIf(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}

func TestWriter_NoFile(t *testing.T) {
	cfg := Config{}
	if w := cfg.Writer(); w != nil {
		t.Fatalf("expected nil writer when File is empty")
	}
}

func TestWriter_Defaults(t *testing.T) {
	cfg := Config{File: "x"}
	w := cfg.Writer()
	l, ok := w.(*lj.Logger)
	if !ok {
		t.Fatalf("writer is not lumberjack.Logger")
	}
	if l.MaxSize != 10 || l.MaxBackups != 3 || l.MaxAge != 7 {
		t.Fatalf("unexpected defaults: size=%d backups=%d age=%d", l.MaxSize, l.MaxBackups, l.MaxAge)
	}
	closeIf(w)
}

func TestWriter_Overrides(t *testing.T) {
	cfg := Config{File: "x2", MaxSizeMB: 1, MaxBackups: 9, MaxAgeDays: 11, Compress: true}
	l := cfg.Writer().(*lj.Logger)
	if l.MaxSize != 1 || l.MaxBackups != 9 || l.MaxAge != 11 || !l.Compress {
		t.Fatalf("unexpected overrides: size=%d backups=%d age=%d compress=%t", l.MaxSize, l.MaxBackups, l.MaxAge, l.Compress)
	}
	closeIf(l)
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		" warn": slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mobdtimer.log")
	log, closer, err := New(Config{File: path, Level: "debug"}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Debug("Remote timer changed", "endTime", 42)
	closeIf(closer)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "endTime=42") {
		t.Fatalf("log file missing record: %q", data)
	}
}

func TestNew_ConsoleFiltersLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := New(Config{Level: "warn"}, &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeIf(closer)

	log.Info("hidden")
	log.Warn("shown", "key", "k")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info record should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "\033[33m") {
		t.Fatalf("expected colored warn record: %q", out)
	}
	if strings.Contains(out, "time=") {
		t.Fatalf("console records should omit time: %q", out)
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}, io.Discard); err == nil {
		t.Fatalf("expected error")
	}
}

func TestColorTextHandler_WithAttrsKeepsColor(t *testing.T) {
	var buf bytes.Buffer
	h := NewColorTextHandler(&buf, nil, true)
	log := slog.New(h).With("component", "listener")
	log.Error("boom")
	out := buf.String()
	if !strings.Contains(out, "\033[31m") || !strings.Contains(out, "component=listener") {
		t.Fatalf("unexpected output: %q", out)
	}
	if !strings.Contains(out, "time=") {
		t.Fatalf("showTime should keep the time attribute: %q", out)
	}
}
