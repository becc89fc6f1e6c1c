package events

import (
	"context"
	"sync"
	"time"
)

// Event types emitted by the transaction processor.
const (
	TypePosted   = "transaction.posted"
	TypeRejected = "transaction.rejected"
	TypeReversed = "transaction.reversed"
	TypeAccrued  = "interest.accrued"
)

// Event describes the outcome of a transaction attempt for audit and
// monitoring consumers.
type Event struct {
	Type           string    `json:"type"`
	TransactionID  string    `json:"transaction_id,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         string    `json:"status,omitempty"`
	Currency       string    `json:"currency,omitempty"`
	Amount         int64     `json:"amount,omitempty"` // total debited, minor units
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Broadcaster fan-outs events to all active subscribers.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBroadcaster initialises an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Broadcaster) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the commit path.
		}
	}
}
