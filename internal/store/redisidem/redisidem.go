// Package redisidem implements the idempotency store on Redis, for
// deployments where results must be shared across processor instances
// without touching the primary database.
package redisidem

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"corebank.org/internal/ledger"
)

const keyPrefix = "idem:"

type record struct {
	Pending bool                      `json:"pending,omitempty"`
	Result  *ledger.TransactionResult `json:"result,omitempty"`
}

// Store is a Redis-backed ledger.IdempotencyStore.
type Store struct {
	client *redis.Client
}

var _ ledger.IdempotencyStore = (*Store)(nil)

// New wraps an existing Redis client.
func New(client *redis.Client) *Store { return &Store{client: client} }

// Open connects using a Redis URL (redis://...).
func Open(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

func (s *Store) Close() error { return s.client.Close() }

// Ping verifies connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Get(ctx context.Context, key string) (*ledger.TransactionResult, error) {
	raw, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec, err := decode(raw)
	if err != nil {
		return nil, err
	}
	if rec.Pending {
		return nil, nil
	}
	return rec.Result, nil
}

func (s *Store) Reserve(ctx context.Context, key string, ttl time.Duration) (ledger.ReserveOutcome, *ledger.TransactionResult, error) {
	raw, err := json.Marshal(record{Pending: true})
	if err != nil {
		return 0, nil, err
	}
	ok, err := s.client.SetNX(ctx, keyPrefix+key, raw, ttl).Result()
	if err != nil {
		return 0, nil, err
	}
	if ok {
		return ledger.ReserveAcquired, nil, nil
	}

	existing, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SetNX and Get; report in flight, the caller polls.
		return ledger.ReserveInFlight, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	rec, err := decode(existing)
	if err != nil {
		return 0, nil, err
	}
	if rec.Pending || rec.Result == nil {
		return ledger.ReserveInFlight, nil, nil
	}
	return ledger.ReserveCompleted, rec.Result, nil
}

func (s *Store) Put(ctx context.Context, key string, res ledger.TransactionResult, ttl time.Duration) error {
	raw, err := json.Marshal(record{Result: &res})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, keyPrefix+key, raw, ttl).Err()
}

// releaseScript deletes the key only while it still holds a pending marker,
// so a completed result written by the owner is never dropped.
var releaseScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if raw == false then return 0 end
	local rec = cjson.decode(raw)
	if rec["pending"] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

func (s *Store) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, s.client, []string{keyPrefix + key}).Err()
}

func decode(raw []byte) (record, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, err
	}
	return rec, nil
}
