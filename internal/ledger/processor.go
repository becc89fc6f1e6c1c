package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corebank.org/internal/events"
	"corebank.org/internal/obs"
)

const defaultIdempotencyTTL = 24 * time.Hour

// inFlightWait bounds how long a duplicate submission polls for the result of
// the execution that holds the idempotency reservation.
const inFlightWait = 25 * time.Millisecond

// Processor orchestrates validation, lock ordering, atomic commit and
// idempotency for transaction requests. It is the only component permitted to
// mutate account state, and it does so exclusively through the store's
// conditional-update contract.
type Processor struct {
	accounts  AccountStore
	log       TransactionLog
	idem      IdempotencyStore
	clock     Clock
	audit     AuditRecorder
	broadcast *events.Broadcaster
	ctl       concurrencyController
	idemTTL   time.Duration
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(c Clock) Option {
	return func(p *Processor) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithAudit sets the audit recorder. Defaults to a no-op.
func WithAudit(a AuditRecorder) Option {
	return func(p *Processor) {
		if a != nil {
			p.audit = a
		}
	}
}

// WithBroadcaster wires the event fan-out receiving posted/rejected events.
func WithBroadcaster(b *events.Broadcaster) Option {
	return func(p *Processor) { p.broadcast = b }
}

// WithRetryPolicy overrides the concurrency retry policy.
func WithRetryPolicy(rp RetryPolicy) Option {
	return func(p *Processor) { p.ctl.policy = rp.normalized() }
}

// WithIdempotencyTTL overrides how long completed results are replayed.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(p *Processor) {
		if ttl > 0 {
			p.idemTTL = ttl
		}
	}
}

// NewProcessor constructs a Processor over the given stores.
func NewProcessor(accounts AccountStore, log TransactionLog, idem IdempotencyStore, opts ...Option) *Processor {
	p := &Processor{
		accounts: accounts,
		log:      log,
		idem:     idem,
		clock:    SystemClock{},
		audit:    NopAudit{},
		ctl:      concurrencyController{accounts: accounts, policy: DefaultRetryPolicy()},
		idemTTL:  defaultIdempotencyTTL,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute runs a transaction request to a definite outcome. Retried calls
// carrying the same idempotency key replay the original result and never
// produce a second monetary effect.
func (p *Processor) Execute(ctx context.Context, req Request) (TransactionResult, error) {
	return p.execute(ctx, req, "", events.TypePosted)
}

// Reverse posts a new transaction mirroring every leg of a posted
// transaction and marks the original Reversed. History is never mutated.
func (p *Processor) Reverse(ctx context.Context, transactionID, idempotencyKey string) (TransactionResult, error) {
	orig, err := p.log.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TransactionResult{}, ErrNotFound
		}
		return TransactionResult{}, fmt.Errorf("%w: load transaction: %v", ErrSystem, err)
	}
	if orig.Status != StatusPosted {
		return TransactionResult{}, ErrNotPosted
	}

	mirrored := make([]Posting, len(orig.Postings))
	for i, leg := range orig.Postings {
		dir := Credit
		if leg.Direction == Credit {
			dir = Debit
		}
		mirrored[i] = Posting{AccountID: leg.AccountID, Amount: leg.Amount, Direction: dir}
	}

	res, err := p.execute(ctx, Request{Postings: mirrored, IdempotencyKey: idempotencyKey}, orig.ID, events.TypeReversed)
	if err != nil {
		return TransactionResult{}, err
	}
	if err := p.log.SetStatus(ctx, orig.ID, StatusReversed); err != nil {
		return res, fmt.Errorf("%w: mark reversed: %v", ErrSystem, err)
	}
	return res, nil
}

// PendingSince lists transactions stuck in Pending since before cutoff, for
// reconciliation.
func (p *Processor) PendingSince(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	return p.log.ListPending(ctx, cutoff)
}

// ListTransactions pages through the log after a sequence cursor. The returned
// cursor is the sequence of the last transaction, for the next call.
func (p *Processor) ListTransactions(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	return p.log.ListAfter(ctx, limit, afterSeq)
}

func (p *Processor) execute(ctx context.Context, req Request, reversalOf, eventType string) (TransactionResult, error) {
	if req.IdempotencyKey == "" {
		return TransactionResult{}, ErrMissingKey
	}
	start := p.clock.Now()

	outcome, prior, err := p.idem.Reserve(ctx, req.IdempotencyKey, p.idemTTL)
	if err != nil {
		return TransactionResult{}, fmt.Errorf("%w: idempotency reserve: %v", ErrSystem, err)
	}
	switch outcome {
	case ReserveCompleted:
		obs.IdempotentReplay()
		return *prior, nil
	case ReserveInFlight:
		return p.awaitDuplicate(ctx, req.IdempotencyKey)
	}

	// Reservation acquired: this call owns execution for the key.
	if err := validateRequest(req); err != nil {
		p.recordRejection(ctx, req, reversalOf, err)
		_ = p.idem.Release(ctx, req.IdempotencyKey)
		return TransactionResult{}, err
	}

	var res TransactionResult
	for attempt := 1; ; attempt++ {
		var wrote bool
		res, wrote, err = p.attempt(ctx, req, reversalOf)
		if err == nil {
			break
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			obs.ConflictRetry()
			if attempt >= p.ctl.policy.MaxAttempts {
				_ = p.idem.Release(ctx, req.IdempotencyKey)
				return TransactionResult{}, ErrConcurrencyExhausted
			}
			if sleepErr := p.ctl.sleep(ctx, attempt); sleepErr != nil {
				// Cancelled before any write of the next attempt.
				_ = p.idem.Release(ctx, req.IdempotencyKey)
				return TransactionResult{}, fmt.Errorf("%w: %v", ErrSystem, sleepErr)
			}
			continue
		}
		if errors.Is(err, ErrSystem) {
			if !wrote {
				// Failed before any conditional write: balances are untouched,
				// so the key is safe to hand back for a clean resubmit.
				_ = p.idem.Release(ctx, req.IdempotencyKey)
				return TransactionResult{}, err
			}
			// Commit outcome unknown: the reservation is kept so a blind
			// resubmit cannot double-apply; reconciliation decides.
			return TransactionResult{}, err
		}
		// Business-rule rejection: balances unchanged, recorded for audit.
		p.recordRejection(ctx, req, reversalOf, err)
		_ = p.idem.Release(ctx, req.IdempotencyKey)
		return TransactionResult{}, err
	}

	if err := p.idem.Put(ctx, req.IdempotencyKey, res, p.idemTTL); err != nil {
		// The transaction is posted; a replay miss is survivable, losing the
		// result is not. Surface as system error after the fact.
		return res, fmt.Errorf("%w: idempotency put: %v", ErrSystem, err)
	}

	obs.TransactionPosted(p.clock.Now().Sub(start).Seconds())
	p.emit(ctx, events.Event{
		Type:           eventType,
		TransactionID:  res.Transaction.ID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         string(res.Transaction.Status),
		Currency:       res.Transaction.Currency,
		Amount:         totalDebits(res.Transaction.Postings),
		Timestamp:      p.clock.Now(),
	})
	return res, nil
}

// attempt performs one optimistic pass: read all accounts in sorted ID order,
// check every debit leg, apply all postings, then commit all-or-nothing. The
// wrote result reports whether a conditional write may have been issued; while
// it is false the attempt is known clean and safe to retry from scratch.
func (p *Processor) attempt(ctx context.Context, req Request, reversalOf string) (TransactionResult, bool, error) {
	ids := accountIDs(req.Postings)

	read := make(map[string]Account, len(ids))
	for _, id := range ids {
		a, err := p.accounts.GetAccount(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return TransactionResult{}, false, ErrUnknownAccount
		}
		if err != nil {
			return TransactionResult{}, false, fmt.Errorf("%w: read account %s: %v", ErrSystem, id, err)
		}
		if a.Status == StatusClosed {
			return TransactionResult{}, false, ErrAccountNotActive
		}
		read[id] = a
	}

	// Apply every leg to a working copy. Debits are gated by CanDebit against
	// the running balance, so multi-leg requests cannot sneak past the floor.
	work := make(map[string]Account, len(ids))
	for id, a := range read {
		work[id] = a
	}
	for _, leg := range req.Postings {
		a := work[leg.AccountID]
		if leg.Amount.Currency != a.Currency() {
			return TransactionResult{}, false, ErrCurrencyMismatch
		}
		if leg.Direction == Debit && !a.CanDebit(leg.Amount) {
			if a.Status != StatusActive {
				return TransactionResult{}, false, ErrAccountNotActive
			}
			return TransactionResult{}, false, ErrInsufficientFunds
		}
		next, err := a.ApplyPosting(leg.Direction, leg.Amount, a.Version)
		if err != nil {
			return TransactionResult{}, false, err
		}
		work[leg.AccountID] = next
	}

	if err := ctx.Err(); err != nil {
		// Abort is still safe here: no conditional write has been issued.
		return TransactionResult{}, false, fmt.Errorf("%w: %v", ErrSystem, err)
	}

	updates := make([]accountUpdate, 0, len(ids))
	for _, id := range ids {
		updates = append(updates, accountUpdate{prev: read[id], next: work[id]})
	}

	if err := p.ctl.commitAll(ctx, updates); err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			return TransactionResult{}, false, err
		}
		// Outcome unknown: leave a Pending record for reconciliation rather
		// than assuming failure.
		pending := p.newTransaction(req, reversalOf, StatusPending)
		_ = p.log.Append(ctx, &pending)
		return TransactionResult{}, true, err
	}

	tx := p.newTransaction(req, reversalOf, StatusPosted)
	if err := p.log.Append(ctx, &tx); err != nil {
		// Balances moved but the record failed: flag for reconciliation.
		return TransactionResult{}, true, fmt.Errorf("%w: append transaction: %v", ErrSystem, err)
	}
	return TransactionResult{Transaction: tx}, true, nil
}

func (p *Processor) newTransaction(req Request, reversalOf string, status TransactionStatus) Transaction {
	postings := make([]Posting, len(req.Postings))
	copy(postings, req.Postings)
	return Transaction{
		ID:             newID(),
		IdempotencyKey: req.IdempotencyKey,
		Postings:       postings,
		Currency:       postings[0].Amount.Currency,
		Status:         status,
		CreatedAt:      p.clock.Now(),
		ReversalOf:     reversalOf,
	}
}

// recordRejection appends a Failed transaction for traceability and emits a
// rejected event. Best effort: a rejection must never become a system error.
func (p *Processor) recordRejection(ctx context.Context, req Request, reversalOf string, cause error) {
	obs.TransactionRejected(cause)
	tx := Transaction{
		ID:             newID(),
		IdempotencyKey: req.IdempotencyKey,
		Postings:       append([]Posting(nil), req.Postings...),
		Status:         StatusFailed,
		CreatedAt:      p.clock.Now(),
		ReversalOf:     reversalOf,
	}
	if len(req.Postings) > 0 {
		tx.Currency = req.Postings[0].Amount.Currency
	}
	_ = p.log.Append(ctx, &tx)
	p.emit(ctx, events.Event{
		Type:           events.TypeRejected,
		TransactionID:  tx.ID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         string(StatusFailed),
		Currency:       tx.Currency,
		Error:          cause.Error(),
		Timestamp:      p.clock.Now(),
	})
}

func (p *Processor) emit(ctx context.Context, evt events.Event) {
	p.audit.Record(ctx, evt)
	if p.broadcast != nil {
		p.broadcast.Publish(evt)
	}
}

// awaitDuplicate polls for the result of the in-flight execution holding the
// reservation, so concurrent duplicates observe the identical outcome.
func (p *Processor) awaitDuplicate(ctx context.Context, key string) (TransactionResult, error) {
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(inFlightWait)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return TransactionResult{}, fmt.Errorf("%w: %v", ErrSystem, ctx.Err())
		case <-deadline.C:
			return TransactionResult{}, fmt.Errorf("%w: duplicate still in flight", ErrSystem)
		case <-tick.C:
			res, err := p.idem.Get(ctx, key)
			if err != nil {
				return TransactionResult{}, fmt.Errorf("%w: idempotency get: %v", ErrSystem, err)
			}
			if res != nil {
				obs.IdempotentReplay()
				return *res, nil
			}
			// The owner may have failed and released the key; in that case
			// there is nothing to replay and the caller should resubmit.
			outcome, prior, err := p.idem.Reserve(ctx, key, p.idemTTL)
			if err != nil {
				return TransactionResult{}, fmt.Errorf("%w: idempotency reserve: %v", ErrSystem, err)
			}
			switch outcome {
			case ReserveCompleted:
				obs.IdempotentReplay()
				return *prior, nil
			case ReserveAcquired:
				// We inherited the key after a failed owner. Give it back and
				// report transient so the caller resubmits cleanly.
				_ = p.idem.Release(ctx, key)
				return TransactionResult{}, ErrConcurrencyExhausted
			}
		}
	}
}
