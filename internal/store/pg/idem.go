package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"corebank.org/internal/ledger"
)

// Idempotency rows carry a state machine: a pending row reserves the key for
// exactly one executor, a done row replays its stored result until expiry.

func (s *Store) Get(ctx context.Context, key string) (*ledger.TransactionResult, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select result from idempotency
		where key=$1 and state='done' and expires_at > now()
	`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res ledger.TransactionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (ledger.ReserveOutcome, *ledger.TransactionResult, error) {
	expires := time.Now().UTC().Add(ttl)
	res, err := s.db.ExecContext(ctx, `
		insert into idempotency(key, state, expires_at)
		values ($1, 'pending', $2)
		on conflict (key) do update
		set state='pending', result=null, expires_at=excluded.expires_at
		where idempotency.expires_at <= now()
	`, key, expires)
	if err != nil {
		return 0, nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if n > 0 {
		return ledger.ReserveAcquired, nil, nil
	}

	var state string
	var raw []byte
	err = s.db.QueryRowContext(ctx, `
		select state, result from idempotency where key=$1
	`, key).Scan(&state, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		// Row expired and vanished between statements; treat as in flight,
		// the caller will poll or retry.
		return ledger.ReserveInFlight, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	if state != "done" || raw == nil {
		return ledger.ReserveInFlight, nil, nil
	}
	var out ledger.TransactionResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, nil, err
	}
	return ledger.ReserveCompleted, &out, nil
}

func (s *Store) Put(ctx context.Context, key string, res ledger.TransactionResult, ttl time.Duration) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into idempotency(key, state, result, expires_at)
		values ($1, 'done', $2, $3)
		on conflict (key) do update
		set state='done', result=excluded.result, expires_at=excluded.expires_at
	`, key, raw, time.Now().UTC().Add(ttl))
	return err
}

func (s *Store) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		delete from idempotency where key=$1 and state='pending'
	`, key)
	return err
}
