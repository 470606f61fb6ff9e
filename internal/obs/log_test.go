package obs

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestErrorLogIncludesCause(t *testing.T) {
	logger := Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	Error("journal replay failed", errors.New("corrupt record"), map[string]any{"seq": 4})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["level"] != "error" || entry["msg"] != "journal replay failed" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["error"] != "corrupt record" || entry["seq"] != float64(4) {
		t.Fatalf("fields missing: %v", entry)
	}
}
