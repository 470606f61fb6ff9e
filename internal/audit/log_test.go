package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/obs"
)

var caller = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEventWritesEntry(t *testing.T) {
	buf := captureLog(t)

	ctx := WithRequestID(context.Background(), "req-123")
	ctx = auth.ContextWithCaller(ctx, caller, []string{"admin"})
	if err := LogEvent(ctx, "registry.lease", map[string]any{"asset_id": 7}); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	var got Entry
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("log not valid JSON: %v (%q)", err, buf.String())
	}
	if got.Type != "audit" || got.Event != "registry.lease" {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.RequestID != "req-123" || got.Caller != caller.Hex() {
		t.Fatalf("context not captured: %+v", got)
	}
	if got.Fields["asset_id"] != float64(7) {
		t.Fatalf("fields missing or incorrect: %v", got.Fields)
	}
}

func TestNewEntryCopiesFields(t *testing.T) {
	fields := map[string]any{"to": "0xabc"}
	e, err := NewEntry(context.Background(), " auth.login.rejected ", fields)
	if err != nil {
		t.Fatalf("NewEntry: %v", err)
	}
	fields["to"] = "changed"
	if e.Fields["to"] != "0xabc" {
		t.Fatalf("entry shares caller map: %v", e.Fields)
	}
	if e.Event != "auth.login.rejected" || e.Caller != "" || e.RequestID != "" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event name")
	}
}
