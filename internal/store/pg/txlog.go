package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"corebank.org/internal/ledger"
)

// Append inserts the transaction and its postings in one database
// transaction and assigns the log sequence. The log is append-only: rows are
// never deleted.
func (s *Store) Append(ctx context.Context, tx *ledger.Transaction) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = dbtx.Rollback() }()

	if err := dbtx.QueryRowContext(ctx, `
		insert into transactions(id, idempotency_key, currency, status, reversal_of, created_at)
		values ($1, nullif($2,''), $3, $4, nullif($5,''), $6)
		returning sequence
	`, tx.ID, tx.IdempotencyKey, tx.Currency, string(tx.Status), tx.ReversalOf, tx.CreatedAt).Scan(&tx.Sequence); err != nil {
		return err
	}

	for i, p := range tx.Postings {
		if _, err := dbtx.ExecContext(ctx, `
			insert into postings(transaction_id, position, account_id, direction, currency, amount)
			values ($1,$2,$3,$4,$5,$6)
		`, tx.ID, i, p.AccountID, string(p.Direction), p.Amount.Currency, p.Amount.Amount); err != nil {
			return err
		}
	}

	return dbtx.Commit()
}

func (s *Store) GetTransaction(ctx context.Context, id string) (ledger.Transaction, error) {
	var (
		tx         ledger.Transaction
		status     string
		idem       sql.NullString
		reversalOf sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(idempotency_key,''), currency, status, coalesce(reversal_of,''), created_at, sequence
		from transactions where id=$1
	`, id).Scan(&tx.ID, &idem, &tx.Currency, &status, &reversalOf, &tx.CreatedAt, &tx.Sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.Status = ledger.TransactionStatus(status)
	tx.IdempotencyKey = idem.String
	tx.ReversalOf = reversalOf.String

	tx.Postings, err = s.postingsFor(ctx, tx.ID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status ledger.TransactionStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update transactions set status=$2 where id=$1
	`, id, string(status))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (s *Store) ListAfter(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(idempotency_key,''), currency, status, coalesce(reversal_of,''), created_at, sequence
		from transactions
		where sequence > $1
		order by sequence asc
		limit $2
	`, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, err
	}
	var last uint64
	for i := range txs {
		txs[i].Postings, err = s.postingsFor(ctx, txs[i].ID)
		if err != nil {
			return nil, 0, err
		}
		last = txs[i].Sequence
	}
	return txs, last, nil
}

func (s *Store) ListPending(ctx context.Context, cutoff time.Time) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, coalesce(idempotency_key,''), currency, status, coalesce(reversal_of,''), created_at, sequence
		from transactions
		where status='pending' and created_at < $1
		order by sequence asc
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *Store) postingsFor(ctx context.Context, txID string) ([]ledger.Posting, error) {
	rows, err := s.db.QueryContext(ctx, `
		select account_id, direction, currency, amount
		from postings
		where transaction_id=$1
		order by position asc
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Posting
	for rows.Next() {
		var p ledger.Posting
		var dir string
		if err := rows.Scan(&p.AccountID, &dir, &p.Amount.Currency, &p.Amount.Amount); err != nil {
			return nil, err
		}
		p.Direction = ledger.Direction(dir)
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for rows.Next() {
		var (
			tx         ledger.Transaction
			status     string
			idem       sql.NullString
			reversalOf sql.NullString
		)
		if err := rows.Scan(&tx.ID, &idem, &tx.Currency, &status, &reversalOf, &tx.CreatedAt, &tx.Sequence); err != nil {
			return nil, err
		}
		tx.Status = ledger.TransactionStatus(status)
		tx.IdempotencyKey = idem.String
		tx.ReversalOf = reversalOf.String
		out = append(out, tx)
	}
	return out, rows.Err()
}
