package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Debug("frame dropped", "kind", "chat_typing", "attempt", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if record["msg"] != "frame dropped" {
		t.Errorf("msg = %v, want frame dropped", record["msg"])
	}
	if record["kind"] != "chat_typing" {
		t.Errorf("kind = %v, want chat_typing", record["kind"])
	}
	if record["level"] != "DEBUG" {
		t.Errorf("level = %v, want DEBUG", record["level"])
	}
}

func TestNewLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Errorf("warn record missing: %s", out)
	}
}

func TestNewLoggerRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "text", Output: &buf})

	logger.With("component", "realtime").Info("dialing wss://sync.example.com/ws?token=abc123secret&tenantId=acme",
		"url", "wss://sync.example.com/ws?access_token=zzz999&userId=u1",
		"error", errors.New("handshake failed: bearer abcdefghijklmnopqrstuvwxyz"),
	)

	out := buf.String()
	for _, secret := range []string{"abc123secret", "zzz999", "abcdefghijklmnopqrstuvwxyz"} {
		if strings.Contains(out, secret) {
			t.Errorf("output contains %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "tenantId=acme") {
		t.Errorf("non-sensitive query parameter was redacted: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
