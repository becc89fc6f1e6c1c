package ledger

import (
	"context"
	"time"

	"corebank.org/internal/events"
)

// AccountStore is the persistence contract for accounts. Balance+version is
// the only mutable shared state in the system, and ConditionalUpdate is the
// only way to change it.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	Create(ctx context.Context, a Account) error
	// ConditionalUpdate persists next iff the stored version still equals
	// expectedVersion. A mismatch returns ErrConcurrencyConflict and leaves
	// stored state untouched.
	ConditionalUpdate(ctx context.Context, next Account, expectedVersion uint64) error
}

// TransactionLog is the append-only record of transactions. Records are never
// deleted; a posted transaction's only permitted status change is to Reversed.
type TransactionLog interface {
	Append(ctx context.Context, tx *Transaction) error // assigns tx.Sequence
	GetTransaction(ctx context.Context, id string) (Transaction, error)
	SetStatus(ctx context.Context, id string, status TransactionStatus) error
	ListAfter(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error)
	// ListPending returns transactions stuck in Pending since before cutoff,
	// for operator reconciliation.
	ListPending(ctx context.Context, cutoff time.Time) ([]Transaction, error)
}

// ReserveOutcome is the result of an idempotency reservation attempt.
type ReserveOutcome int

const (
	// ReserveAcquired: this caller owns execution for the key.
	ReserveAcquired ReserveOutcome = iota
	// ReserveCompleted: a prior execution finished; its result is returned.
	ReserveCompleted
	// ReserveInFlight: another caller holds the key; poll for its result.
	ReserveInFlight
)

// IdempotencyStore makes Execute safe under retries: at most one execution
// per key ever reaches the commit path.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (*TransactionResult, error) // nil when absent or in flight
	Reserve(ctx context.Context, key string, ttl time.Duration) (ReserveOutcome, *TransactionResult, error)
	Put(ctx context.Context, key string, res TransactionResult, ttl time.Duration) error
	// Release frees a reservation whose execution failed, so the caller may
	// resubmit with the same key.
	Release(ctx context.Context, key string) error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// AuditRecorder receives structured events after each committed or rejected
// transaction. Fire-and-forget: recorder failures never fail the transaction.
type AuditRecorder interface {
	Record(ctx context.Context, evt events.Event)
}

// NopAudit discards events. Useful in tests.
type NopAudit struct{}

func (NopAudit) Record(context.Context, events.Event) {}
