package money

import "errors"

var (
	ErrInvalidCurrency  = errors.New("invalid currency")
	ErrNegativeAmount   = errors.New("negative amount")
	ErrCurrencyMismatch = errors.New("currency mismatch")
)

// Money is an amount in minor units (e.g., cents) plus a currency code. No floats.
// The zero value is not a valid Money; construct via New.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// New builds a Money value. Negative magnitudes are rejected at construction;
// negative amounts only ever appear as results of Sub/Negate during net
// computation.
func New(amount int64, currency string) (Money, error) {
	if currency == "" {
		return Money{}, ErrInvalidCurrency
	}
	if amount < 0 {
		return Money{}, ErrNegativeAmount
	}
	return Money{Currency: currency, Amount: amount}, nil
}

// MustNew is New for literals in tests and wiring code; panics on invalid input.
func MustNew(amount int64, currency string) Money {
	m, err := New(amount, currency)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Money) IsZero() bool     { return m.Amount == 0 }
func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsNegative() bool { return m.Amount < 0 }

// Add returns m + o. Fails when the currencies differ.
func (m Money) Add(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Currency: m.Currency, Amount: m.Amount + o.Amount}, nil
}

// Sub returns m - o. The result may be negative; callers enforcing a
// non-negative balance must check before applying.
func (m Money) Sub(o Money) (Money, error) {
	if m.Currency != o.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	return Money{Currency: m.Currency, Amount: m.Amount - o.Amount}, nil
}

// Compare returns -1, 0 or +1 as m is less than, equal to or greater than o.
func (m Money) Compare(o Money) (int, error) {
	if m.Currency != o.Currency {
		return 0, ErrCurrencyMismatch
	}
	switch {
	case m.Amount < o.Amount:
		return -1, nil
	case m.Amount > o.Amount:
		return 1, nil
	default:
		return 0, nil
	}
}

// Negate flips the sign. Used internally for net computation.
func (m Money) Negate() Money {
	return Money{Currency: m.Currency, Amount: -m.Amount}
}
