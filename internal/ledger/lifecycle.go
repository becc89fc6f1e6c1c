package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"corebank.org/internal/money"
)

// Account lifecycle operations. Opening is driven by an external collaborator
// but persists through the same store; freeze/unfreeze/close go through the
// conditional-update path like every other mutation.

// OpenAccount creates and persists an active account.
func (p *Processor) OpenAccount(ctx context.Context, ownerID string, initial money.Money, rate decimal.Decimal, allowNegative bool) (Account, error) {
	if initial.Currency == "" {
		return Account{}, money.ErrInvalidCurrency
	}
	if initial.IsNegative() {
		return Account{}, ErrInvalidAmount
	}
	a := NewAccount(ownerID, initial, p.clock.Now())
	a.InterestRate = rate
	a.AllowNegative = allowNegative
	if err := p.accounts.Create(ctx, a); err != nil {
		return Account{}, fmt.Errorf("%w: create account: %v", ErrSystem, err)
	}
	return a, nil
}

// GetAccount returns the current stored state of an account.
func (p *Processor) GetAccount(ctx context.Context, id string) (Account, error) {
	a, err := p.accounts.GetAccount(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Account{}, ErrUnknownAccount
	}
	if err != nil {
		return Account{}, fmt.Errorf("%w: read account: %v", ErrSystem, err)
	}
	return a, nil
}

// FreezeAccount suspends an account.
func (p *Processor) FreezeAccount(ctx context.Context, id string) (Account, error) {
	return p.transition(ctx, id, func(a Account) (Account, error) { return a.Freeze() })
}

// UnfreezeAccount reactivates a frozen account.
func (p *Processor) UnfreezeAccount(ctx context.Context, id string) (Account, error) {
	return p.transition(ctx, id, func(a Account) (Account, error) { return a.Unfreeze() })
}

// CloseAccount terminates an account with a zero balance.
func (p *Processor) CloseAccount(ctx context.Context, id string) (Account, error) {
	return p.transition(ctx, id, func(a Account) (Account, error) { return a.Close(p.clock.Now()) })
}

// transition applies a status change with the same bounded optimistic retry
// as posting commits.
func (p *Processor) transition(ctx context.Context, id string, fn func(Account) (Account, error)) (Account, error) {
	for attempt := 1; ; attempt++ {
		cur, err := p.GetAccount(ctx, id)
		if err != nil {
			return Account{}, err
		}
		next, err := fn(cur)
		if err != nil {
			return Account{}, err
		}
		err = p.accounts.ConditionalUpdate(ctx, next, cur.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ErrConcurrencyConflict) {
			return Account{}, fmt.Errorf("%w: update account: %v", ErrSystem, err)
		}
		if attempt >= p.ctl.policy.MaxAttempts {
			return Account{}, ErrConcurrencyExhausted
		}
		if err := p.ctl.sleep(ctx, attempt); err != nil {
			return Account{}, fmt.Errorf("%w: %v", ErrSystem, err)
		}
	}
}
