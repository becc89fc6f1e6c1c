package ledger

// validateRequest checks the structural invariants of a transaction request
// before any account is read: at least two legs, one shared currency,
// positive magnitudes, and total debits equal to total credits. Account
// existence and status are checked later during lookup.
func validateRequest(req Request) error {
	if req.IdempotencyKey == "" {
		return ErrMissingKey
	}
	if len(req.Postings) < 2 {
		return ErrTooFewPostings
	}

	currency := req.Postings[0].Amount.Currency
	var debits, credits int64
	for _, p := range req.Postings {
		if p.AccountID == "" {
			return ErrUnknownAccount
		}
		if !p.Amount.IsPositive() {
			return ErrInvalidAmount
		}
		if p.Amount.Currency != currency {
			return ErrCurrencyMismatch
		}
		switch p.Direction {
		case Debit:
			debits += p.Amount.Amount
		case Credit:
			credits += p.Amount.Amount
		default:
			return ErrInvalidAmount
		}
	}
	if debits != credits {
		return ErrImbalancedPostings
	}
	return nil
}

// accountIDs returns the distinct account identifiers of a request in
// ascending order. All lock acquisition follows this total order, so two
// transactions over overlapping account sets can never deadlock.
func accountIDs(postings []Posting) []string {
	seen := make(map[string]bool, len(postings))
	var out []string
	for _, p := range postings {
		if seen[p.AccountID] {
			continue
		}
		seen[p.AccountID] = true
		out = append(out, p.AccountID)
	}
	// insertion sort; posting sets are tiny
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// totalDebits sums the debit legs; used for audit events and metrics.
func totalDebits(postings []Posting) int64 {
	var sum int64
	for _, p := range postings {
		if p.Direction == Debit {
			sum += p.Amount.Amount
		}
	}
	return sum
}
