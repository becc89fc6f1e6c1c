package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"corebank.org/internal/ledger"
)

// Store persists accounts, the transaction log and idempotency results in
// PostgreSQL. Account mutation goes through ConditionalUpdate only: a write
// succeeds iff the version read at the start of the attempt is still current.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.AccountStore     = (*Store)(nil)
	_ ledger.TransactionLog   = (*Store)(nil)
	_ ledger.IdempotencyStore = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (tests use sqlmock through this).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const accountColumns = `id, owner_id, currency, balance, status, version, interest_rate, allow_negative, opened_at, closed_at`

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+accountColumns+`
		from accounts where id=$1
	`, id)
	return scanAccount(row)
}

func (s *Store) Create(ctx context.Context, a ledger.Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, a.ID, a.OwnerID, a.Balance.Currency, a.Balance.Amount, string(a.Status),
		a.Version, a.InterestRate, a.AllowNegative, a.OpenedAt, a.ClosedAt)
	return err
}

// ConditionalUpdate writes next iff the stored version still equals
// expectedVersion. Zero rows affected means another writer got there first.
func (s *Store) ConditionalUpdate(ctx context.Context, next ledger.Account, expectedVersion uint64) error {
	res, err := s.db.ExecContext(ctx, `
		update accounts
		set balance=$2, status=$3, version=$4, interest_rate=$5, closed_at=$6
		where id=$1 and version=$7
	`, next.ID, next.Balance.Amount, string(next.Status), next.Version,
		next.InterestRate, next.ClosedAt, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

// ListInterestBearing returns active accounts with a nonzero rate, for the
// accrual service.
func (s *Store) ListInterestBearing(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+accountColumns+`
		from accounts
		where status='active' and interest_rate <> 0
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		a        ledger.Account
		status   string
		rate     decimal.Decimal
		closedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.OwnerID, &a.Balance.Currency, &a.Balance.Amount,
		&status, &a.Version, &rate, &a.AllowNegative, &a.OpenedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	a.Status = ledger.AccountStatus(status)
	a.InterestRate = rate
	if closedAt.Valid {
		t := closedAt.Time
		a.ClosedAt = &t
	}
	return a, nil
}
