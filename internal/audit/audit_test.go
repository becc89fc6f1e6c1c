package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"corebank.org/internal/events"
	"corebank.org/internal/obs"
)

func TestRecord(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")

	rec := NewRecorder()
	rec.Record(ctx, events.Event{
		Type:           events.TypePosted,
		TransactionID:  "tx-1",
		IdempotencyKey: "k-1",
		Status:         "posted",
		Currency:       "USD",
		Amount:         300,
		Timestamp:      time.Now().UTC(),
	})

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != events.TypePosted {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["transaction_id"] != "tx-1" || fields["currency"] != "USD" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestRecordOmitsEmptyRequestID(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	NewRecorder().Record(context.Background(), events.Event{Type: events.TypeRejected, Error: "insufficient funds"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if _, present := entry["request_id"]; present {
		t.Fatal("request_id should be omitted when absent")
	}
	fields := entry["fields"].(map[string]any)
	if fields["error"] != "insufficient funds" {
		t.Fatalf("unexpected error field: %v", fields["error"])
	}
}
