package audit

import (
	"context"
	"strings"
	"time"

	"corebank.org/internal/events"
	"corebank.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Recorder writes one structured audit line per committed or rejected
// transaction. It is fire-and-forget: nothing here can fail the transaction
// it describes.
type Recorder struct{}

// NewRecorder returns a Recorder writing through the shared logger.
func NewRecorder() *Recorder { return &Recorder{} }

// Record emits the audit entry for a transaction event.
func (r *Recorder) Record(ctx context.Context, evt events.Event) {
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": evt.Type,
	}
	if rid := requestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	fields := map[string]any{
		"transaction_id":  evt.TransactionID,
		"idempotency_key": evt.IdempotencyKey,
		"status":          evt.Status,
	}
	if evt.Currency != "" {
		fields["currency"] = evt.Currency
		fields["amount"] = evt.Amount
	}
	if evt.Error != "" {
		fields["error"] = evt.Error
	}
	entry["fields"] = fields

	obs.LogEvent(entry)
}
