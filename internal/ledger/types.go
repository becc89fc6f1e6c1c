package ledger

import (
	"errors"
	"time"

	"corebank.org/internal/ids"
	"corebank.org/internal/money"
	"corebank.org/internal/obs"
)

// Direction marks a posting as a debit or credit leg.
type Direction string

const (
	Debit  Direction = "debit"
	Credit Direction = "credit"
)

// Posting is one leg of a balanced transaction. The amount magnitude is
// always positive; the direction carries the sign.
type Posting struct {
	AccountID string      `json:"account_id"`
	Amount    money.Money `json:"amount"`
	Direction Direction   `json:"direction"`
}

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	// StatusPending marks a transaction whose commit outcome is unknown
	// (infrastructure failure mid-write). Pending records are picked up by
	// reconciliation, never silently re-executed.
	StatusPending  TransactionStatus = "pending"
	StatusPosted   TransactionStatus = "posted"
	StatusFailed   TransactionStatus = "failed"
	StatusReversed TransactionStatus = "reversed"
)

// Transaction is an atomic, balanced set of postings. Records are append-only:
// a posted transaction is never mutated, a reversal is a new transaction
// referencing the original.
type Transaction struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Postings       []Posting         `json:"postings"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ReversalOf     string            `json:"reversal_of,omitempty"`
	Sequence       uint64            `json:"sequence"` // assigned by the transaction log
}

// TransactionResult is what a caller gets back from Execute, and what the
// idempotency store replays on retries.
type TransactionResult struct {
	Transaction Transaction `json:"transaction"`
}

// Request is a transaction submission: a set of postings plus the
// caller-supplied idempotency key.
type Request struct {
	Postings       []Posting
	IdempotencyKey string
}

var (
	// Validation errors: rejected before any account is touched.
	ErrImbalancedPostings = errors.New("imbalanced postings")
	ErrCurrencyMismatch   = money.ErrCurrencyMismatch
	ErrUnknownAccount     = errors.New("unknown account")
	ErrTooFewPostings     = errors.New("transaction requires at least two postings")
	ErrInvalidAmount      = errors.New("invalid amount (must be > 0)")
	ErrMissingKey         = errors.New("idempotency key is required")

	// Business-rule errors: rejected after account lookup, before mutation.
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountNotActive  = errors.New("account not active")
	ErrAccountNotEmpty   = errors.New("account balance must be zero to close")
	ErrAccountClosed     = errors.New("account is closed")

	// Concurrency errors.
	ErrConcurrencyConflict  = errors.New("version conflict")
	ErrConcurrencyExhausted = errors.New("concurrent update retries exhausted") // transient, safe to resubmit

	// Infrastructure errors.
	ErrSystem   = errors.New("system error")
	ErrNotFound = errors.New("not found")

	// Reversal errors.
	ErrNotPosted = errors.New("only posted transactions can be reversed")
)

func init() {
	// Rejection labels stay a fixed set: anything not registered here is
	// counted under "other".
	obs.RegisterRejectionReasons(
		ErrImbalancedPostings,
		ErrCurrencyMismatch,
		ErrUnknownAccount,
		ErrTooFewPostings,
		ErrInvalidAmount,
		ErrMissingKey,
		ErrInsufficientFunds,
		ErrAccountNotActive,
		ErrAccountNotEmpty,
		ErrAccountClosed,
	)
}

// IsTransient reports whether the caller may safely resubmit the same request
// with the same idempotency key.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConcurrencyExhausted) || errors.Is(err, ErrSystem)
}

func newID() string {
	return ids.New()
}
