package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// RetryPolicy bounds the optimistic-concurrency retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy: 5 attempts, exponential backoff from 10ms capped at
// 500ms, full jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseBackoff: 10 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	out := p
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.BaseBackoff <= 0 {
		out.BaseBackoff = 10 * time.Millisecond
	}
	if out.MaxBackoff < out.BaseBackoff {
		out.MaxBackoff = 500 * time.Millisecond
	}
	return out
}

// backoff returns the sleep before retry number attempt (1-based): an
// exponentially growing cap with full jitter.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	cap := p.BaseBackoff << (attempt - 1)
	if cap > p.MaxBackoff || cap <= 0 {
		cap = p.MaxBackoff
	}
	return time.Duration(rand.Int63n(int64(cap)) + 1)
}

// accountUpdate pairs the state read at the start of an attempt with the
// state all postings produce.
type accountUpdate struct {
	prev Account
	next Account
}

// concurrencyController owns the conditional-write primitive: it applies a
// batch of versioned updates all-or-nothing against an AccountStore. It does
// no business validation.
type concurrencyController struct {
	accounts AccountStore
	policy   RetryPolicy
}

// commitAll applies every update conditionally, in slice order (already
// sorted by account ID). If any write hits a version conflict, writes already
// applied are rolled back and ErrConcurrencyConflict is returned so the caller
// can re-read and retry. Any other store failure is wrapped as ErrSystem:
// the outcome of the batch is then unknown.
func (c *concurrencyController) commitAll(ctx context.Context, updates []accountUpdate) error {
	for i, u := range updates {
		err := c.accounts.ConditionalUpdate(ctx, u.next, u.prev.Version)
		if err == nil {
			continue
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			if rbErr := c.rollback(ctx, updates[:i]); rbErr != nil {
				return fmt.Errorf("%w: rollback after conflict: %v", ErrSystem, rbErr)
			}
			return ErrConcurrencyConflict
		}
		// Store failure mid-batch: the write may or may not have landed.
		return fmt.Errorf("%w: conditional update %s: %v", ErrSystem, u.next.ID, err)
	}
	return nil
}

// rollback restores the pre-attempt state of already-written accounts. The
// restore is itself conditional on the version this attempt wrote, so a
// concurrent writer that slipped in is never overwritten.
func (c *concurrencyController) rollback(ctx context.Context, applied []accountUpdate) error {
	var firstErr error
	for _, u := range applied {
		restored := u.prev
		restored.Version = u.next.Version + 1
		if err := c.accounts.ConditionalUpdate(ctx, restored, u.next.Version); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("restore %s: %w", u.prev.ID, err)
		}
	}
	return firstErr
}

// sleep waits out the backoff for the given attempt, honouring cancellation.
func (c *concurrencyController) sleep(ctx context.Context, attempt int) error {
	t := time.NewTimer(c.policy.backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
