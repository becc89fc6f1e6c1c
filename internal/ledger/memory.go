package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryAccountStore implements AccountStore with in-process concurrency
// safety. Useful for tests and the smoke tool; production uses the Postgres
// store.
type MemoryAccountStore struct {
	mu    sync.RWMutex
	accts map[string]Account
}

func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accts: make(map[string]Account)}
}

var _ AccountStore = (*MemoryAccountStore)(nil)

func (s *MemoryAccountStore) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return a, nil
}

func (s *MemoryAccountStore) Create(ctx context.Context, a Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accts[a.ID] = a
	return nil
}

func (s *MemoryAccountStore) ConditionalUpdate(ctx context.Context, next Account, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accts[next.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConcurrencyConflict
	}
	s.accts[next.ID] = next
	return nil
}

// ListInterestBearing returns accounts with a nonzero interest rate, for the
// accrual service.
func (s *MemoryAccountStore) ListInterestBearing(ctx context.Context) ([]Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Account
	for _, a := range s.accts {
		if !a.InterestRate.IsZero() && a.Status == StatusActive {
			out = append(out, a)
		}
	}
	return out, nil
}

// MemoryTransactionLog is an append-only in-memory transaction log.
type MemoryTransactionLog struct {
	mu   sync.RWMutex
	seq  uint64
	txs  []Transaction
	byID map[string]int
}

func NewMemoryTransactionLog() *MemoryTransactionLog {
	return &MemoryTransactionLog{byID: make(map[string]int)}
}

var _ TransactionLog = (*MemoryTransactionLog)(nil)

func (l *MemoryTransactionLog) Append(ctx context.Context, tx *Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	tx.Sequence = l.seq
	l.byID[tx.ID] = len(l.txs)
	l.txs = append(l.txs, *tx)
	return nil
}

func (l *MemoryTransactionLog) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	idx, ok := l.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return l.txs[idx], nil
}

func (l *MemoryTransactionLog) SetStatus(ctx context.Context, id string, status TransactionStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx, ok := l.byID[id]
	if !ok {
		return ErrNotFound
	}
	l.txs[idx].Status = status
	return nil
}

func (l *MemoryTransactionLog) ListAfter(ctx context.Context, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range l.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (l *MemoryTransactionLog) ListPending(ctx context.Context, cutoff time.Time) ([]Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var res []Transaction
	for _, tx := range l.txs {
		if tx.Status == StatusPending && tx.CreatedAt.Before(cutoff) {
			res = append(res, tx)
		}
	}
	return res, nil
}

type idemEntry struct {
	result  *TransactionResult // nil while in flight
	expires time.Time
}

// MemoryIdempotencyStore implements IdempotencyStore with in-process locking.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	entries map[string]*idemEntry
	clock   Clock
}

func NewMemoryIdempotencyStore(clock Clock) *MemoryIdempotencyStore {
	if clock == nil {
		clock = SystemClock{}
	}
	return &MemoryIdempotencyStore{entries: make(map[string]*idemEntry), clock: clock}
}

var _ IdempotencyStore = (*MemoryIdempotencyStore)(nil)

func (s *MemoryIdempotencyStore) Get(ctx context.Context, key string) (*TransactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil || e.result == nil {
		return nil, nil
	}
	out := *e.result
	return &out, nil
}

func (s *MemoryIdempotencyStore) Reserve(ctx context.Context, key string, ttl time.Duration) (ReserveOutcome, *TransactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.live(key); e != nil {
		if e.result != nil {
			out := *e.result
			return ReserveCompleted, &out, nil
		}
		return ReserveInFlight, nil, nil
	}
	s.entries[key] = &idemEntry{expires: s.clock.Now().Add(ttl)}
	return ReserveAcquired, nil, nil
}

func (s *MemoryIdempotencyStore) Put(ctx context.Context, key string, res TransactionResult, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &idemEntry{result: &res, expires: s.clock.Now().Add(ttl)}
	return nil
}

func (s *MemoryIdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.result == nil {
		delete(s.entries, key)
	}
	return nil
}

// live returns the entry for key if present and not expired.
func (s *MemoryIdempotencyStore) live(key string) *idemEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if s.clock.Now().After(e.expires) {
		delete(s.entries, key)
		return nil
	}
	return e
}
