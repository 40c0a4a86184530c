package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T) (*Logger, *bytes.Buffer) {
	t.Helper()

	logger, err := NewLogger(&Config{
		Level:       "debug",
		Format:      "json",
		Output:      "stdout",
		ServiceName: "test-service",
		Version:     "0.0.1",
	})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	return logger, &buf
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	_, err := NewLogger(&Config{Level: "nope", Format: "json", Output: "stdout"})
	if err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestNewLogger_InvalidFormat(t *testing.T) {
	_, err := NewLogger(&Config{Level: "info", Format: "xml", Output: "stdout"})
	if err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestWithFields_IncludesServiceFields(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.WithFields(map[string]interface{}{"custom": "value"}).Info("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}

	if entry["service"] != "test-service" {
		t.Errorf("service field missing: %v", entry)
	}
	if entry["custom"] != "value" {
		t.Errorf("custom field missing: %v", entry)
	}
	if entry["message"] != "hello" {
		t.Errorf("message field missing: %v", entry)
	}
}

func TestLogJobEvent(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.LogJobEvent("enqueued", "crawler", "crawler-job-1", map[string]interface{}{
		"priority": 2,
	})

	out := buf.String()
	for _, want := range []string{"enqueued", "crawler", "crawler-job-1", "priority"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}

func TestWithQueue(t *testing.T) {
	logger, buf := newTestLogger(t)

	logger.WithQueue("tagging").Info("runner started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v", err)
	}
	if entry["queue"] != "tagging" {
		t.Errorf("queue field missing: %v", entry)
	}
}
