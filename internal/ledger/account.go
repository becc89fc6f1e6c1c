package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"corebank.org/internal/money"
)

// AccountStatus is the lifecycle state of an account. Valid transitions are
// Active→Frozen→Active and Active|Frozen→Closed; Closed is terminal.
type AccountStatus string

const (
	StatusActive AccountStatus = "active"
	StatusFrozen AccountStatus = "frozen"
	StatusClosed AccountStatus = "closed"
)

// Account is a pure value: every mutation returns a new Account with the
// version bumped by exactly one. Persisting the new version is the caller's
// job via AccountStore.ConditionalUpdate.
type Account struct {
	ID      string        `json:"id"`
	OwnerID string        `json:"owner_id"`
	Balance money.Money   `json:"balance"`
	Status  AccountStatus `json:"status"`
	Version uint64        `json:"version"`

	// InterestRate is the annual rate as a fixed-point decimal (e.g. 0.05).
	// Zero means the account does not accrue interest.
	InterestRate decimal.Decimal `json:"interest_rate"`

	// AllowNegative marks system counter-accounts (interest expense, fee
	// income) whose natural balance is a debit. Customer accounts never
	// have it set.
	AllowNegative bool `json:"allow_negative,omitempty"`

	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

// NewAccount opens an active account with the given starting balance.
func NewAccount(ownerID string, initial money.Money, openedAt time.Time) Account {
	return Account{
		ID:       newID(),
		OwnerID:  ownerID,
		Balance:  initial,
		Status:   StatusActive,
		Version:  1,
		OpenedAt: openedAt.UTC(),
	}
}

// Currency is fixed for the account's lifetime.
func (a Account) Currency() string { return a.Balance.Currency }

// CanDebit reports whether a debit of amount would be accepted: the account
// must be active and, unless it is a system counter-account, the balance must
// cover the amount.
func (a Account) CanDebit(amount money.Money) bool {
	if a.Status != StatusActive {
		return false
	}
	if amount.Currency != a.Currency() {
		return false
	}
	if a.AllowNegative {
		return true
	}
	c, err := a.Balance.Compare(amount)
	return err == nil && c >= 0
}

// ApplyPosting returns a copy of the account with the posting applied and the
// version advanced, provided expectedVersion still matches. The stored state
// is untouched; a mismatch signals ErrConcurrencyConflict to the caller.
func (a Account) ApplyPosting(dir Direction, amount money.Money, expectedVersion uint64) (Account, error) {
	if a.Version != expectedVersion {
		return Account{}, ErrConcurrencyConflict
	}
	if !amount.IsPositive() {
		return Account{}, ErrInvalidAmount
	}

	var next money.Money
	var err error
	switch dir {
	case Debit:
		next, err = a.Balance.Sub(amount)
	case Credit:
		next, err = a.Balance.Add(amount)
	default:
		return Account{}, ErrInvalidAmount
	}
	if err != nil {
		return Account{}, err
	}
	if next.IsNegative() && !a.AllowNegative {
		return Account{}, ErrInsufficientFunds
	}

	out := a
	out.Balance = next
	out.Version = expectedVersion + 1
	return out, nil
}

// Freeze suspends an active account.
func (a Account) Freeze() (Account, error) {
	if a.Status != StatusActive {
		return Account{}, ErrAccountNotActive
	}
	out := a
	out.Status = StatusFrozen
	out.Version++
	return out, nil
}

// Unfreeze reactivates a frozen account.
func (a Account) Unfreeze() (Account, error) {
	if a.Status != StatusFrozen {
		return Account{}, ErrAccountNotActive
	}
	out := a
	out.Status = StatusActive
	out.Version++
	return out, nil
}

// Close terminates the account. The balance must already be zero.
func (a Account) Close(now time.Time) (Account, error) {
	if a.Status == StatusClosed {
		return Account{}, ErrAccountClosed
	}
	if !a.Balance.IsZero() {
		return Account{}, ErrAccountNotEmpty
	}
	out := a
	out.Status = StatusClosed
	out.Version++
	closed := now.UTC()
	out.ClosedAt = &closed
	return out, nil
}
