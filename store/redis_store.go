package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-based implementation of BudgetStore.
// Suitable for distributed production deployments: multiple instances
// share one set of period counters.
//
// Mutations use WATCH/MULTI/EXEC optimistic locking with a bounded
// retry loop. Every successful mutation refreshes the key's expiry to
// the state's period end so stale entries self-evict.
type RedisStore struct {
	client     *redis.Client
	keyPrefix  string
	logger     *zap.Logger
	onConflict func(operation string)
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithConflictHook registers a callback invoked once per optimistic-lock
// conflict that triggers a retry. Used to feed operational counters.
func WithConflictHook(fn func(operation string)) RedisOption {
	return func(s *RedisStore) { s.onConflict = fn }
}

// NewRedisStore creates a new Redis-based budget store
func NewRedisStore(cfg Config, logger *zap.Logger, opts ...RedisOption) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}

	s := &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "budget:",
		logger:    logger.With(zap.String("component", "budget_store")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// budgetKey returns the full Redis key for a scope key
func (s *RedisStore) budgetKey(scopeKey string) string {
	return s.keyPrefix + scopeKey
}

// conflict reports one optimistic-lock conflict to the registered hook.
func (s *RedisStore) conflict(operation string) {
	if s.onConflict != nil {
		s.onConflict(operation)
	}
}

// Get retrieves state for a scope key
func (s *RedisStore) Get(ctx context.Context, scopeKey string) (*State, error) {
	data, err := s.client.Get(ctx, s.budgetKey(scopeKey)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get budget state: %w", err)
	}

	state := &State{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("unmarshal budget state: %w", err)
	}
	state.ensureMaps()
	return state, nil
}

// Set stores state with an optional expiry
func (s *RedisStore) Set(ctx context.Context, state *State, expireAt time.Time) error {
	if state == nil || state.ScopeKey == "" {
		return ErrInvalidInput
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}

	key := s.budgetKey(state.ScopeKey)
	pipe := s.client.Pipeline()
	pipe.Set(ctx, key, payload, 0)
	if !expireAt.IsZero() {
		pipe.ExpireAt(ctx, key, expireAt)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set budget state: %w", err)
	}
	return nil
}

// Delete removes state for a scope key
func (s *RedisStore) Delete(ctx context.Context, scopeKey string) (bool, error) {
	n, err := s.client.Del(ctx, s.budgetKey(scopeKey)).Result()
	if err != nil {
		return false, fmt.Errorf("delete budget state: %w", err)
	}
	return n > 0, nil
}

// GetOrCreate returns existing live state or creates a fresh one for
// the period
func (s *RedisStore) GetOrCreate(ctx context.Context, scopeKey, budgetID string, periodStart, periodEnd time.Time) (*State, error) {
	key := s.budgetKey(scopeKey)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var result *State
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == nil {
				state := &State{}
				if err := json.Unmarshal(data, state); err != nil {
					return fmt.Errorf("unmarshal budget state: %w", err)
				}
				if !state.Expired(time.Now().UTC()) {
					state.ensureMaps()
					result = state
					return nil
				}
				s.logger.Info("budget period expired, resetting",
					zap.String("scope_key", scopeKey))
			} else if err != redis.Nil {
				return err
			}

			fresh := NewState(budgetID, scopeKey, periodStart, periodEnd)
			payload, err := json.Marshal(fresh)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.ExpireAt(ctx, key, periodEnd)
				return nil
			})
			if err == nil {
				result = fresh
			}
			return err
		}, key)

		if err == nil {
			return result, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.conflict("get_or_create")
			continue
		}
		return nil, err
	}

	return nil, fmt.Errorf("%w: %s", ErrConflict, scopeKey)
}

// mutate runs fn against the current state under optimistic locking
// and writes the result back, refreshing the period-end expiry.
func (s *RedisStore) mutate(ctx context.Context, operation, scopeKey string, fn func(state *State)) (*State, error) {
	key := s.budgetKey(scopeKey)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var updated *State
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			state := &State{}
			if err := json.Unmarshal(data, state); err != nil {
				return fmt.Errorf("unmarshal budget state: %w", err)
			}
			state.ensureMaps()
			fn(state)

			payload, err := json.Marshal(state)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				if !state.PeriodEnd.IsZero() {
					pipe.ExpireAt(ctx, key, state.PeriodEnd)
				}
				return nil
			})
			if err == nil {
				updated = state
			}
			return err
		}, key)

		if err == nil {
			return updated, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			s.conflict(operation)
			s.logger.Debug("retrying budget update after conflict",
				zap.String("scope_key", scopeKey),
				zap.Int("attempt", attempt+1))
			continue
		}
		return nil, err
	}

	s.logger.Warn("budget update failed after retries",
		zap.String("scope_key", scopeKey))
	return nil, fmt.Errorf("%w: %s", ErrConflict, scopeKey)
}

// IncrementCost atomically applies a usage delta
func (s *RedisStore) IncrementCost(ctx context.Context, scopeKey string, delta UsageDelta) (*State, error) {
	return s.mutate(ctx, "increment_cost", scopeKey, func(state *State) {
		state.Apply(delta)
	})
}

// AddConcurrentRun atomically adds a run to the concurrent set
func (s *RedisStore) AddConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error) {
	state, err := s.mutate(ctx, "add_concurrent_run", scopeKey, func(state *State) {
		state.AddConcurrentRun(runID)
	})
	if err != nil {
		return 0, err
	}
	return len(state.ConcurrentRunIDs), nil
}

// RemoveConcurrentRun atomically removes a run from the concurrent set
func (s *RedisStore) RemoveConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error) {
	state, err := s.mutate(ctx, "remove_concurrent_run", scopeKey, func(state *State) {
		state.RemoveConcurrentRun(runID)
	})
	if err != nil {
		return 0, err
	}
	return len(state.ConcurrentRunIDs), nil
}

// ConcurrentRunCount returns the current concurrent run count
func (s *RedisStore) ConcurrentRunCount(ctx context.Context, scopeKey string) (int, error) {
	state, err := s.Get(ctx, scopeKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(state.ConcurrentRunIDs), nil
}

// ListBudgets returns all scope keys matching a glob pattern
func (s *RedisStore) ListBudgets(ctx context.Context, pattern string) ([]string, error) {
	keys, err := s.client.Keys(ctx, s.keyPrefix+pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}

	scopeKeys := make([]string, 0, len(keys))
	for _, key := range keys {
		scopeKeys = append(scopeKeys, key[len(s.keyPrefix):])
	}
	return scopeKeys, nil
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements BudgetStore
var _ BudgetStore = (*RedisStore)(nil)
