// SPDX-License-Identifier: MIT

// Package kv is the keyed JSON-blob store backing service camera lists.
//
// Every mutation of a key goes through Transact, an optimistic
// read-modify-write built on Redis WATCH/MULTI/EXEC: a concurrent write to
// the watched key aborts the transaction and the whole cycle restarts from
// a fresh read. Unconditional overwrites are deliberately not offered —
// they would silently discard concurrent writers' changes.
package kv

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/camfleet/visibility/internal/metrics"
)

// Outcome tells Transact what to do with the key after fn ran.
type Outcome int

const (
	// OutcomeNone leaves the key untouched (read-only round).
	OutcomeNone Outcome = iota
	// OutcomeWrite stores the returned value.
	OutcomeWrite
	// OutcomeDelete removes the key entirely.
	OutcomeDelete
)

// ErrConflictRetriesExhausted is returned when a key stays contended for
// every attempt of one Transact call.
var ErrConflictRetriesExhausted = errors.New("kv: optimistic transaction retries exhausted")

const (
	maxTxAttempts  = 8
	backoffBase    = 5 * time.Millisecond
	backoffCeiling = 250 * time.Millisecond
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed blob store. Construct once at the composition
// root; Close at shutdown.
type Store struct {
	client *redis.Client
	logger zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config, logger zerolog.Logger) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().
		Str("event", "kv.connected").
		Str("addr", cfg.Addr).
		Int("db", cfg.DB).
		Msg("connected to Redis")

	return &Store{client: client, logger: logger}, nil
}

// NewWithClient wraps an existing client; used by tests.
func NewWithClient(client *redis.Client, logger zerolog.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// Close closes the Redis connection.
func (s *Store) Close() error { return s.client.Close() }

// Ping checks store reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the raw blob stored under key. The second return value is
// false when the key does not exist; that is a normal outcome.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %q: %w", key, err)
	}
	return val, true, nil
}

// Keys enumerates all keys with the given prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv scan %q: %w", prefix, err)
	}
	return keys, nil
}

// Transact runs fn inside an optimistic transaction on key. fn receives the
// current blob (nil when the key is absent) and decides the outcome. On a
// concurrent modification the whole read-modify-write restarts from a fresh
// read, up to a bounded number of attempts with jittered backoff.
//
// fn may be invoked multiple times and must be side-effect free apart from
// its return values.
func (s *Store) Transact(ctx context.Context, key string, fn func(current []byte) ([]byte, Outcome, error)) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				current = nil
			} else if err != nil {
				return err
			}

			next, outcome, err := fn(current)
			if err != nil {
				return err
			}
			if outcome == OutcomeNone {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				switch outcome {
				case OutcomeWrite:
					pipe.Set(ctx, key, next, 0)
				case OutcomeDelete:
					pipe.Del(ctx, key)
				}
				return nil
			})
			return err
		}, key)

		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}

		metrics.KVTxRetriesTotal.Inc()
		s.logger.Warn().
			Str("event", "kv.tx_conflict").
			Str("key", key).
			Int("attempt", attempt+1).
			Msg("concurrent modification, retrying transaction")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitteredBackoff(attempt)):
		}
	}
	return fmt.Errorf("%w: key %q", ErrConflictRetriesExhausted, key)
}

// jitteredBackoff grows exponentially with the attempt count, capped, with
// uniform jitter to avoid lockstep retries under high contention.
func jitteredBackoff(attempt int) time.Duration {
	d := backoffBase << uint(attempt)
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return time.Duration(rand.Int63n(int64(d)) + int64(d)/2)
}
