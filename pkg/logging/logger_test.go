package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d", len(lines))
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}
	if entry.Level != "WARN" {
		t.Errorf("Expected WARN, got %s", entry.Level)
	}
}

func TestJSONLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	child := logger.With(Component("txlog"), MachineID(3))
	child.Info("rotated", TxID(42))

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry: %v", err)
	}

	if entry.Fields["component"] != "txlog" {
		t.Errorf("Expected component=txlog, got %v", entry.Fields["component"])
	}
	if entry.Fields["tx_id"] != float64(42) {
		t.Errorf("Expected tx_id=42, got %v", entry.Fields["tx_id"])
	}
}

func TestNewStoreLogger_WritesMessagesFile(t *testing.T) {
	dir := t.TempDir()

	logger, closer, err := NewStoreLogger(dir, InfoLevel)
	if err != nil {
		t.Fatalf("Failed to create store logger: %v", err)
	}

	logger.Info("store opened", Path(dir))
	if err := closer.Close(); err != nil {
		t.Fatalf("Failed to close store logger: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, MessagesFile))
	if err != nil {
		t.Fatalf("Failed to read messages.log: %v", err)
	}
	if !strings.Contains(string(data), "store opened") {
		t.Errorf("messages.log missing entry: %s", string(data))
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"ERROR":   ErrorLevel,
		"bogus":   InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
