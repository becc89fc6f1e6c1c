package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"corebank.org/internal/money"
)

type fixture struct {
	accounts *MemoryAccountStore
	log      *MemoryTransactionLog
	idem     *MemoryIdempotencyStore
	proc     *Processor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		accounts: NewMemoryAccountStore(),
		log:      NewMemoryTransactionLog(),
		idem:     NewMemoryIdempotencyStore(nil),
	}
	f.proc = NewProcessor(f.accounts, f.log, f.idem, opts...)
	return f
}

func (f *fixture) open(t *testing.T, amount int64) Account {
	t.Helper()
	a := NewAccount("owner", money.MustNew(amount, "USD"), time.Now())
	if err := f.accounts.Create(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	return a
}

func (f *fixture) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, err := f.accounts.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return a.Balance.Amount
}

func transferReq(from, to string, amount int64, key string) Request {
	return Request{
		IdempotencyKey: key,
		Postings: []Posting{
			{AccountID: from, Amount: money.MustNew(amount, "USD"), Direction: Debit},
			{AccountID: to, Amount: money.MustNew(amount, "USD"), Direction: Credit},
		},
	}
}

func TestTransferSuccessAndBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 500)

	res, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 300, "k1"))
	if err != nil {
		t.Fatal(err)
	}
	if f.balance(t, a.ID) != 700 || f.balance(t, b.ID) != 800 {
		t.Fatalf("unexpected balances: a=%d b=%d", f.balance(t, a.ID), f.balance(t, b.ID))
	}

	tx := res.Transaction
	if tx.Status != StatusPosted {
		t.Fatalf("status=%s, want posted", tx.Status)
	}
	if len(tx.Postings) != 2 {
		t.Fatalf("postings=%d, want 2", len(tx.Postings))
	}
	var debits, credits int64
	for _, p := range tx.Postings {
		if p.Direction == Debit {
			debits += p.Amount.Amount
		} else {
			credits += p.Amount.Amount
		}
	}
	if debits != credits {
		t.Fatalf("double-entry violated: debits=%d credits=%d", debits, credits)
	}

	got, err := f.accounts.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != a.Version+1 {
		t.Fatalf("version=%d, want %d", got.Version, a.Version+1)
	}
}

func TestInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	_, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 1500, "k2"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.balance(t, a.ID) != 1000 {
		t.Fatalf("balance changed on rejection: %d", f.balance(t, a.ID))
	}

	// the rejection is recorded as a Failed transaction for traceability
	txs, _, err := f.log.ListAfter(ctx, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 || txs[0].Status != StatusFailed {
		t.Fatalf("expected one Failed record, got %+v", txs)
	}
}

func TestValidationFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{
			name: "imbalanced",
			req: Request{IdempotencyKey: "v1", Postings: []Posting{
				{AccountID: a.ID, Amount: money.MustNew(300, "USD"), Direction: Debit},
				{AccountID: b.ID, Amount: money.MustNew(200, "USD"), Direction: Credit},
			}},
			want: ErrImbalancedPostings,
		},
		{
			name: "single leg",
			req: Request{IdempotencyKey: "v2", Postings: []Posting{
				{AccountID: a.ID, Amount: money.MustNew(300, "USD"), Direction: Debit},
			}},
			want: ErrTooFewPostings,
		},
		{
			name: "mixed currency",
			req: Request{IdempotencyKey: "v3", Postings: []Posting{
				{AccountID: a.ID, Amount: money.MustNew(300, "USD"), Direction: Debit},
				{AccountID: b.ID, Amount: money.MustNew(300, "EUR"), Direction: Credit},
			}},
			want: ErrCurrencyMismatch,
		},
		{
			name: "unknown account",
			req:  transferReq(a.ID, "no-such-account", 100, "v4"),
			want: ErrUnknownAccount,
		},
		{
			name: "missing key",
			req:  transferReq(a.ID, b.ID, 100, ""),
			want: ErrMissingKey,
		},
	}
	for _, tc := range cases {
		if _, err := f.proc.Execute(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if f.balance(t, a.ID) != 1000 || f.balance(t, b.ID) != 0 {
		t.Fatal("validation must not touch balances")
	}
}

func TestFrozenAndClosedAccountsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	if _, err := f.proc.FreezeAccount(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "f1")); !errors.Is(err, ErrAccountNotActive) {
		t.Fatalf("debit from frozen account: expected ErrAccountNotActive, got %v", err)
	}

	if _, err := f.proc.UnfreezeAccount(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.CloseAccount(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "f2")); !errors.Is(err, ErrAccountNotActive) {
		t.Fatalf("posting to closed account: expected ErrAccountNotActive, got %v", err)
	}
}

func TestIdempotencySequential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	tx1, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "same-key"))
	if err != nil {
		t.Fatal(err)
	}
	tx2, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "same-key"))
	if err != nil {
		t.Fatal(err)
	}
	if tx1.Transaction.ID != tx2.Transaction.ID || tx1.Transaction.Sequence != tx2.Transaction.Sequence {
		t.Fatalf("idempotency violated: %#v != %#v", tx1, tx2)
	}
	if f.balance(t, a.ID) != 900 {
		t.Fatalf("double application: balance=%d", f.balance(t, a.ID))
	}
}

func TestIdempotencyConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	const callers = 8
	results := make([]TransactionResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "dup"))
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Transaction.ID != results[0].Transaction.ID {
			t.Fatalf("caller %d saw a different transaction", i)
		}
	}
	if f.balance(t, a.ID) != 900 || f.balance(t, b.ID) != 100 {
		t.Fatalf("exactly one mutation expected: a=%d b=%d", f.balance(t, a.ID), f.balance(t, b.ID))
	}
}

func TestConcurrentTransfersConservation(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 100,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}))
	ctx := context.Background()
	a := f.open(t, 10000)
	b := f.open(t, 0)

	var wg sync.WaitGroup
	N := 50
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.proc.Execute(ctx, transferReq(a.ID, b.ID, 100, fmt.Sprintf("c%d", i)))
		}(i)
	}
	wg.Wait()

	if f.balance(t, a.ID)+f.balance(t, b.ID) != 10000 {
		t.Fatalf("conservation violated: a+b=%d", f.balance(t, a.ID)+f.balance(t, b.ID))
	}
}

func TestNoLostUpdates(t *testing.T) {
	f := newFixture(t, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 100,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  10 * time.Millisecond,
	}))
	ctx := context.Background()
	src := f.open(t, 1000)
	var dests []Account
	for i := 0; i < 10; i++ {
		dests = append(dests, f.open(t, 0))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(dests))
	for i, d := range dests {
		wg.Add(1)
		go func(i int, d Account) {
			defer wg.Done()
			_, errs[i] = f.proc.Execute(ctx, transferReq(src.ID, d.ID, 50, fmt.Sprintf("fan%d", i)))
		}(i, d)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("transfer %d failed: %v", i, err)
		}
	}
	if f.balance(t, src.ID) != 500 {
		t.Fatalf("balance=%d, want 500", f.balance(t, src.ID))
	}
	for _, d := range dests {
		if f.balance(t, d.ID) != 50 {
			t.Fatalf("destination %s balance=%d, want 50", d.ID, f.balance(t, d.ID))
		}
	}
}

func TestReverse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	orig, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 400, "r1"))
	if err != nil {
		t.Fatal(err)
	}

	rev, err := f.proc.Reverse(ctx, orig.Transaction.ID, "r1-undo")
	if err != nil {
		t.Fatal(err)
	}
	if rev.Transaction.ReversalOf != orig.Transaction.ID {
		t.Fatalf("reversal reference missing: %+v", rev.Transaction)
	}
	if f.balance(t, a.ID) != 1000 || f.balance(t, b.ID) != 0 {
		t.Fatalf("reversal did not restore balances: a=%d b=%d", f.balance(t, a.ID), f.balance(t, b.ID))
	}

	stored, err := f.log.GetTransaction(ctx, orig.Transaction.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusReversed {
		t.Fatalf("original status=%s, want reversed", stored.Status)
	}

	// history is superseded, never rewritten: reversing twice fails
	if _, err := f.proc.Reverse(ctx, orig.Transaction.ID, "r1-undo-again"); !errors.Is(err, ErrNotPosted) {
		t.Fatalf("expected ErrNotPosted, got %v", err)
	}
}

// conflictingStore forces version conflicts on every conditional update.
type conflictingStore struct {
	*MemoryAccountStore
}

func (s *conflictingStore) ConditionalUpdate(ctx context.Context, next Account, expectedVersion uint64) error {
	return ErrConcurrencyConflict
}

func TestConcurrencyExhausted(t *testing.T) {
	mem := NewMemoryAccountStore()
	store := &conflictingStore{mem}
	log := NewMemoryTransactionLog()
	idem := NewMemoryIdempotencyStore(nil)
	proc := NewProcessor(store, log, idem, WithRetryPolicy(RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}))

	ctx := context.Background()
	a := NewAccount("owner", money.MustNew(1000, "USD"), time.Now())
	b := NewAccount("owner", money.MustNew(0, "USD"), time.Now())
	_ = mem.Create(ctx, a)
	_ = mem.Create(ctx, b)

	_, err := proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "x1"))
	if !errors.Is(err, ErrConcurrencyExhausted) {
		t.Fatalf("expected ErrConcurrencyExhausted, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("exhaustion must be transient")
	}

	// the key is released: a resubmit is not locked out
	outcome, _, err := idem.Reserve(ctx, "x1", time.Minute)
	if err != nil || outcome != ReserveAcquired {
		t.Fatalf("key not released: outcome=%v err=%v", outcome, err)
	}
}

// brokenStore fails conditional updates with an infrastructure error.
type brokenStore struct {
	*MemoryAccountStore
}

func (s *brokenStore) ConditionalUpdate(ctx context.Context, next Account, expectedVersion uint64) error {
	return errors.New("connection reset")
}

func TestPendingOnInfrastructureError(t *testing.T) {
	mem := NewMemoryAccountStore()
	store := &brokenStore{mem}
	log := NewMemoryTransactionLog()
	proc := NewProcessor(store, log, NewMemoryIdempotencyStore(nil))

	ctx := context.Background()
	a := NewAccount("owner", money.MustNew(1000, "USD"), time.Now())
	b := NewAccount("owner", money.MustNew(0, "USD"), time.Now())
	_ = mem.Create(ctx, a)
	_ = mem.Create(ctx, b)

	_, err := proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "p1"))
	if !errors.Is(err, ErrSystem) {
		t.Fatalf("expected ErrSystem, got %v", err)
	}

	// the write outcome is unknown: a Pending record is left for
	// reconciliation instead of assuming failure
	pending, err := proc.PendingSince(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Status != StatusPending {
		t.Fatalf("expected one pending record, got %+v", pending)
	}
}

// flakyReads fails the first N account reads with an infrastructure error.
type flakyReads struct {
	*MemoryAccountStore
	mu       sync.Mutex
	failures int
}

func (s *flakyReads) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return Account{}, errors.New("connection refused")
	}
	s.mu.Unlock()
	return s.MemoryAccountStore.GetAccount(ctx, id)
}

func TestReadFailureReleasesKey(t *testing.T) {
	// An infrastructure failure before any conditional write leaves balances
	// untouched, so the idempotency key must be handed back and a resubmit
	// with the same key must go through once the store recovers.
	mem := NewMemoryAccountStore()
	store := &flakyReads{MemoryAccountStore: mem, failures: 1}
	log := NewMemoryTransactionLog()
	proc := NewProcessor(store, log, NewMemoryIdempotencyStore(nil))

	ctx := context.Background()
	a := NewAccount("owner", money.MustNew(1000, "USD"), time.Now())
	b := NewAccount("owner", money.MustNew(0, "USD"), time.Now())
	_ = mem.Create(ctx, a)
	_ = mem.Create(ctx, b)

	_, err := proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "fr1"))
	if !errors.Is(err, ErrSystem) {
		t.Fatalf("expected ErrSystem, got %v", err)
	}
	if !IsTransient(err) {
		t.Fatal("a clean abort must be transient")
	}

	// nothing was written, so nothing is left for reconciliation
	pending, err := proc.PendingSince(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending records, got %+v", pending)
	}

	// the store recovered: the same key must succeed, not stall on the
	// abandoned reservation
	res, err := proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "fr1"))
	if err != nil {
		t.Fatalf("resubmit after recovery: %v", err)
	}
	if res.Transaction.Status != StatusPosted {
		t.Fatalf("status=%s, want posted", res.Transaction.Status)
	}
	if got, _ := mem.GetAccount(ctx, a.ID); got.Balance.Amount != 900 {
		t.Fatalf("a=%d, want 900", got.Balance.Amount)
	}
}

func TestCancelledContextReleasesKey(t *testing.T) {
	f := newFixture(t)
	a := f.open(t, 1000)
	b := f.open(t, 0)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.proc.Execute(cancelled, transferReq(a.ID, b.ID, 100, "cc1"))
	if !errors.Is(err, ErrSystem) {
		t.Fatalf("expected ErrSystem, got %v", err)
	}

	// the abort happened before any write: a fresh submission may reuse the key
	res, err := f.proc.Execute(context.Background(), transferReq(a.ID, b.ID, 100, "cc1"))
	if err != nil {
		t.Fatalf("resubmit after cancel: %v", err)
	}
	if res.Transaction.Status != StatusPosted {
		t.Fatalf("status=%s, want posted", res.Transaction.Status)
	}
}

func TestRollbackOnPartialConflict(t *testing.T) {
	// Conflict on the second account of a batch must restore the first.
	mem := NewMemoryAccountStore()
	log := NewMemoryTransactionLog()
	ctx := context.Background()

	a := NewAccount("owner", money.MustNew(1000, "USD"), time.Now())
	b := NewAccount("owner", money.MustNew(0, "USD"), time.Now())
	_ = mem.Create(ctx, a)
	_ = mem.Create(ctx, b)

	store := &secondConflicts{MemoryAccountStore: mem, failID: b.ID, failures: 1}
	proc := NewProcessor(store, log, NewMemoryIdempotencyStore(nil))

	res, err := proc.Execute(ctx, transferReq(a.ID, b.ID, 100, "rb1"))
	if err != nil {
		t.Fatalf("retry should recover from a transient conflict: %v", err)
	}
	if res.Transaction.Status != StatusPosted {
		t.Fatalf("status=%s", res.Transaction.Status)
	}

	got, _ := mem.GetAccount(ctx, a.ID)
	if got.Balance.Amount != 900 {
		t.Fatalf("a=%d, want 900", got.Balance.Amount)
	}
	got, _ = mem.GetAccount(ctx, b.ID)
	if got.Balance.Amount != 100 {
		t.Fatalf("b=%d, want 100", got.Balance.Amount)
	}
}

// secondConflicts rejects the first N updates of failID, passing everything
// else through, to exercise the rollback-and-retry path.
type secondConflicts struct {
	*MemoryAccountStore
	mu       sync.Mutex
	failID   string
	failures int
}

func (s *secondConflicts) ConditionalUpdate(ctx context.Context, next Account, expectedVersion uint64) error {
	s.mu.Lock()
	if next.ID == s.failID && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return ErrConcurrencyConflict
	}
	s.mu.Unlock()
	return s.MemoryAccountStore.ConditionalUpdate(ctx, next, expectedVersion)
}

func TestListTransactionsPaging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.open(t, 1000)
	b := f.open(t, 0)

	for i := 0; i < 5; i++ {
		if _, err := f.proc.Execute(ctx, transferReq(a.ID, b.ID, 10, fmt.Sprintf("page-%d", i))); err != nil {
			t.Fatal(err)
		}
	}

	first, cursor, err := f.proc.ListTransactions(ctx, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 3 {
		t.Fatalf("page=%d, want 3", len(first))
	}
	rest, _, err := f.proc.ListTransactions(ctx, 10, cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 2 {
		t.Fatalf("rest=%d, want 2", len(rest))
	}
	if rest[0].Sequence <= first[len(first)-1].Sequence {
		t.Fatal("pages overlap")
	}
}
