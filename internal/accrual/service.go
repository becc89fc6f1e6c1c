// Package accrual posts periodic interest as ordinary ledger transactions.
// It is a scheduled caller of the transaction processor, so it cannot bypass
// any invariant the processor enforces.
package accrual

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"corebank.org/internal/ledger"
	"corebank.org/internal/money"
	"corebank.org/internal/obs"
)

// AccountSource lists the accounts eligible for interest.
type AccountSource interface {
	ListInterestBearing(ctx context.Context) ([]ledger.Account, error)
}

// Service computes and posts interest once per accrual period.
type Service struct {
	proc     *ledger.Processor
	accounts AccountSource

	// expenseAccountID is the system counter-account debited for every
	// interest posting. It must allow a negative balance.
	expenseAccountID string

	// periodFraction is the fraction of a year one accrual period covers
	// (e.g. 1/365 for daily accrual).
	periodFraction decimal.Decimal

	// limiter paces submissions so a large accrual cycle cannot starve
	// customer traffic.
	limiter *rate.Limiter
}

// New constructs the accrual service. perSecond bounds how many interest
// transactions a cycle may submit per second; zero means unpaced.
func New(proc *ledger.Processor, accounts AccountSource, expenseAccountID string, periodFraction decimal.Decimal, perSecond int) *Service {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), perSecond)
	}
	return &Service{
		proc:             proc,
		accounts:         accounts,
		expenseAccountID: expenseAccountID,
		periodFraction:   periodFraction,
		limiter:          limiter,
	}
}

// Report summarises one accrual cycle.
type Report struct {
	Accounts int
	Posted   int
	Skipped  int // zero interest or account not eligible
	Failed   int
}

// RunAccrualCycle posts interest for every interest-bearing account for the
// given period label (e.g. "2026-08-30"). Re-running a period is a no-op per
// account: the idempotency key is derived from (accountID, period), so the
// processor replays the original result instead of posting twice.
func (s *Service) RunAccrualCycle(ctx context.Context, period string) (Report, error) {
	if period == "" {
		return Report{}, fmt.Errorf("accrual period is required")
	}

	accounts, err := s.accounts.ListInterestBearing(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list interest-bearing accounts: %w", err)
	}

	var rep Report
	rep.Accounts = len(accounts)
	for _, a := range accounts {
		if err := s.limiter.Wait(ctx); err != nil {
			return rep, err
		}

		interest := Interest(a.Balance.Amount, a.InterestRate, s.periodFraction)
		if interest <= 0 {
			rep.Skipped++
			continue
		}
		amt, err := money.New(interest, a.Currency())
		if err != nil {
			rep.Skipped++
			continue
		}

		req := ledger.Request{
			IdempotencyKey: Key(a.ID, period),
			Postings: []ledger.Posting{
				{AccountID: s.expenseAccountID, Amount: amt, Direction: ledger.Debit},
				{AccountID: a.ID, Amount: amt, Direction: ledger.Credit},
			},
		}
		if _, err := s.proc.Execute(ctx, req); err != nil {
			rep.Failed++
			obs.LogEvent(map[string]any{
				"level":   "error",
				"msg":     "interest accrual failed",
				"account": a.ID,
				"period":  period,
				"error":   err.Error(),
			})
			continue
		}
		obs.AccrualPosted()
		rep.Posted++
	}
	return rep, nil
}

// Interest computes round(balance * rate * periodFraction) in minor units
// using fixed-point arithmetic. Never floating point.
func Interest(balance int64, annualRate, periodFraction decimal.Decimal) int64 {
	if annualRate.IsZero() || balance <= 0 {
		return 0
	}
	return decimal.NewFromInt(balance).
		Mul(annualRate).
		Mul(periodFraction).
		Round(0).
		IntPart()
}

// Key derives the deterministic idempotency key for one account and period.
func Key(accountID, period string) string {
	return fmt.Sprintf("accrual:%s:%s", accountID, period)
}
