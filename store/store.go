// Package store provides persistent budget state storage so period
// accounting survives restarts and is shared across instances.
//
// Backends:
// - Memory: for development, testing, and single-process deployments (default)
// - Redis: for distributed production deployments
//
// Keys follow the layout <prefix>budget:<scope_key>, where scope keys
// take the form:
//   - global:{budget_id}
//   - tenant:{tenant_id}:{budget_id}
//   - strand:{tenant_id}:{strand_id}:{budget_id}
//   - workflow:{tenant_id}:{strand_id}:{workflow_id}:{budget_id}
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("concurrent update conflict")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
)

// DefaultKeyPrefix is the prefix for all budget keys.
const DefaultKeyPrefix = "costguard:"

// maxTxAttempts bounds the optimistic concurrency retry loop.
const maxTxAttempts = 3

// RedisConfig contains Redis-specific configuration
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// MinIdleConns is the minimum number of idle connections
	MinIdleConns int `json:"min_idle_conns" yaml:"min_idle_conns"`
}

// Config is the base configuration for all store implementations
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// KeyPrefix is the prefix for all keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the default store configuration
func DefaultConfig() Config {
	return Config{
		Type:      StoreTypeMemory,
		KeyPrefix: DefaultKeyPrefix,
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
	}
}

// State is the period accounting persisted for one scope key.
// Serialized as JSON; counters cover completed runs only, in-flight
// spend lives on the run state until the run ends.
type State struct {
	BudgetID          string             `json:"budget_id"`
	ScopeKey          string             `json:"scope_key"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	TotalCost         float64            `json:"total_cost"`
	TotalRuns         int                `json:"total_runs"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalIterations   int                `json:"total_iterations"`
	TotalToolCalls    int                `json:"total_tool_calls"`
	ModelCosts        map[string]float64 `json:"model_costs"`
	ToolCosts         map[string]float64 `json:"tool_costs"`
	ConcurrentRunIDs  []string           `json:"concurrent_run_ids"`
}

// NewState creates a zeroed state for a period.
func NewState(budgetID, scopeKey string, periodStart, periodEnd time.Time) *State {
	return &State{
		BudgetID:    budgetID,
		ScopeKey:    scopeKey,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		ModelCosts:  make(map[string]float64),
		ToolCosts:   make(map[string]float64),
	}
}

// ensureMaps repairs nil maps after JSON decoding.
func (s *State) ensureMaps() {
	if s.ModelCosts == nil {
		s.ModelCosts = make(map[string]float64)
	}
	if s.ToolCosts == nil {
		s.ToolCosts = make(map[string]float64)
	}
}

// Expired reports whether the state's period has ended.
func (s *State) Expired(now time.Time) bool {
	return !now.Before(s.PeriodEnd)
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	c := *s
	c.ModelCosts = make(map[string]float64, len(s.ModelCosts))
	for k, v := range s.ModelCosts {
		c.ModelCosts[k] = v
	}
	c.ToolCosts = make(map[string]float64, len(s.ToolCosts))
	for k, v := range s.ToolCosts {
		c.ToolCosts[k] = v
	}
	c.ConcurrentRunIDs = append([]string(nil), s.ConcurrentRunIDs...)
	return &c
}

// AddConcurrentRun adds a run to the concurrent set. Returns false if
// the run was already present.
func (s *State) AddConcurrentRun(runID string) bool {
	for _, id := range s.ConcurrentRunIDs {
		if id == runID {
			return false
		}
	}
	s.ConcurrentRunIDs = append(s.ConcurrentRunIDs, runID)
	return true
}

// RemoveConcurrentRun removes a run from the concurrent set. Returns
// false if the run was not present.
func (s *State) RemoveConcurrentRun(runID string) bool {
	for i, id := range s.ConcurrentRunIDs {
		if id == runID {
			s.ConcurrentRunIDs = append(s.ConcurrentRunIDs[:i], s.ConcurrentRunIDs[i+1:]...)
			return true
		}
	}
	return false
}

// UsageDelta is one committed accounting increment. A completed run
// commits exactly one delta with Runs=1.
type UsageDelta struct {
	Cost         float64
	Runs         int
	InputTokens  int64
	OutputTokens int64
	Iterations   int
	ToolCalls    int
	ModelCosts   map[string]float64
	ToolCosts    map[string]float64
}

// Apply accumulates the delta into the state.
func (s *State) Apply(d UsageDelta) {
	s.ensureMaps()
	s.TotalCost += d.Cost
	s.TotalRuns += d.Runs
	s.TotalInputTokens += d.InputTokens
	s.TotalOutputTokens += d.OutputTokens
	s.TotalIterations += d.Iterations
	s.TotalToolCalls += d.ToolCalls
	for name, cost := range d.ModelCosts {
		s.ModelCosts[name] += cost
	}
	for name, cost := range d.ToolCosts {
		s.ToolCosts[name] += cost
	}
}

// BudgetStore is the interface for persistent budget state backends.
//
// Cross-instance mutations use optimistic concurrency: implementations
// retry conflicting updates up to maxTxAttempts times and return
// ErrConflict when retries are exhausted. Callers treat ErrConflict as
// a soft failure.
type BudgetStore interface {
	// Get retrieves state for a scope key. Returns ErrNotFound when absent.
	Get(ctx context.Context, scopeKey string) (*State, error)

	// Set stores state, expiring it at expireAt (zero = no expiry).
	Set(ctx context.Context, state *State, expireAt time.Time) error

	// Delete removes state. Returns true if something was deleted.
	Delete(ctx context.Context, scopeKey string) (bool, error)

	// GetOrCreate returns the current state for a scope key, creating a
	// zeroed one (expiring at periodEnd) when absent or when the stored
	// period has already ended.
	GetOrCreate(ctx context.Context, scopeKey, budgetID string, periodStart, periodEnd time.Time) (*State, error)

	// IncrementCost atomically applies a usage delta. Returns the
	// updated state, or ErrNotFound when the scope key is absent.
	IncrementCost(ctx context.Context, scopeKey string, delta UsageDelta) (*State, error)

	// AddConcurrentRun atomically adds a run to the concurrent set.
	// Returns the new concurrent count.
	AddConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error)

	// RemoveConcurrentRun atomically removes a run from the concurrent
	// set. Returns the remaining concurrent count.
	RemoveConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error)

	// ConcurrentRunCount returns the current concurrent count, zero when
	// the scope key is absent.
	ConcurrentRunCount(ctx context.Context, scopeKey string) (int, error)

	// ListBudgets returns all scope keys matching a glob pattern, with
	// the key prefix stripped.
	ListBudgets(ctx context.Context, pattern string) ([]string, error)

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close closes the store and releases resources
	Close() error
}

// New creates a budget store from configuration.
func New(cfg Config, logger *zap.Logger) (BudgetStore, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeRedis:
		return NewRedisStore(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", ErrInvalidInput, cfg.Type)
	}
}
