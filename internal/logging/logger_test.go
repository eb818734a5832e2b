package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func lastEntry(t *testing.T, buf *bytes.Buffer) LogEntry {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	return entry
}

// TestLoggerLevels verifies messages below the minimum level are dropped.
func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelWarn)

	l.Debug("debug msg")
	l.Info("info msg")
	if buf.Len() != 0 {
		t.Errorf("Expected debug/info to be filtered, got %s", buf.String())
	}

	l.Warn("warn msg")
	entry := lastEntry(t, &buf)
	if entry.Level != "WARN" || entry.Message != "warn msg" {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

// TestLoggerError verifies the error and context fields are emitted.
func TestLoggerError(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Error("sync item failed", errTest, map[string]any{"item": float64(7)})

	entry := lastEntry(t, &buf)
	if entry.Error != "remote unreachable" {
		t.Errorf("Expected error field, got %q", entry.Error)
	}
	if entry.Context["item"] != float64(7) {
		t.Errorf("Expected context item=7, got %v", entry.Context)
	}
}

// TestLoggerErrorWithCode verifies the error code lands in the context.
func TestLoggerErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.ErrorWithCode("drain failed", "SYNC_FAILED", errTest)

	entry := lastEntry(t, &buf)
	if entry.Context["error_code"] != "SYNC_FAILED" {
		t.Errorf("Expected error_code in context, got %v", entry.Context)
	}
}

// TestMergeContext verifies multiple context maps are merged.
func TestMergeContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Info("msg", map[string]any{"a": "1"}, map[string]any{"b": "2"})

	entry := lastEntry(t, &buf)
	if entry.Context["a"] != "1" || entry.Context["b"] != "2" {
		t.Errorf("Expected merged context, got %v", entry.Context)
	}
}

var errTest = &testError{}

type testError struct{}

func (*testError) Error() string { return "remote unreachable" }
