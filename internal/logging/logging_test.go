package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("debug", "json", &buf)

	logger.Debug().Str("component", "scheduler").Msg("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry["component"] != "scheduler" || entry["message"] != "tick" {
		t.Errorf("unexpected entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("expected timestamp field")
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := New("warn", "json", &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message should be written")
	}
}

func TestNew_UnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := New("chatty", "json", &buf)

	logger.Debug().Msg("debug")
	logger.Info().Msg("info")

	if strings.Contains(buf.String(), `"message":"debug"`) {
		t.Error("debug should be filtered at the default level")
	}
	if !strings.Contains(buf.String(), `"message":"info"`) {
		t.Error("info should be written")
	}
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "console", &buf)

	logger.Info().Str("run_id", "abc").Msg("attempt finished")

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Errorf("console output should not be JSON: %q", out)
	}
	if !strings.Contains(out, "attempt finished") || !strings.Contains(out, "run_id=") {
		t.Errorf("unexpected console output: %q", out)
	}
}
