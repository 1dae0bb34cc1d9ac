package telemetry_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-foreman/internal/telemetry"
)

func TestNewLoggerWritesJSONL(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("gateway listening", "addr", "127.0.0.1:19300")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(raw))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, line)
	}
	if entry["msg"] != "gateway listening" {
		t.Fatalf("unexpected msg: %v", entry["msg"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp key, got %v", entry)
	}
	if entry["component"] != "foreman" {
		t.Fatalf("expected component attr, got %v", entry)
	}
}

func TestLoggerRedactsSensitiveKeys(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("telegram configured", "token", "1234567890:AAsecretsecretsecretsecretsecretAA")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "secretsecret") {
		t.Fatalf("token leaked into log: %s", raw)
	}
	if !strings.Contains(string(raw), "[REDACTED]") {
		t.Fatalf("expected redaction placeholder: %s", raw)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := telemetry.NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("should be filtered")
	logger.Warn("should appear")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "should be filtered") {
		t.Fatalf("info leaked at warn level")
	}
	if !strings.Contains(string(raw), "should appear") {
		t.Fatalf("warn entry missing")
	}
}
