package telemetry

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("transition committed", "task_id", "t1", "to", "ASSIGNED")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	var rec map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if rec["msg"] != "transition committed" {
		t.Fatalf("msg = %v", rec["msg"])
	}
	if _, ok := rec["timestamp"]; !ok {
		t.Fatal("expected timestamp key")
	}
	if rec["task_id"] != "t1" {
		t.Fatalf("task_id = %v", rec["task_id"])
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	dir := t.TempDir()
	logger, closer, err := NewLogger(dir, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.Info("approval requested", "api_key", "sk-123456", "reason", "Bearer abcdefgh12345678ijkl")
	_ = closer.Close()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(data), "sk-123456") {
		t.Fatal("expected api_key value redacted")
	}
	if strings.Contains(string(data), "abcdefgh12345678ijkl") {
		t.Fatal("expected bearer value redacted")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
