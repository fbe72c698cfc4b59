package store

import (
	"context"
	"path"
	"sync"
	"time"
)

// memoryEntry pairs a state with its expiry. A zero expireAt never
// expires.
type memoryEntry struct {
	state    *State
	expireAt time.Time
}

// MemoryStore is an in-memory implementation of BudgetStore.
// Suitable for development, testing, and single-process deployments.
// All operations are safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	closed  bool
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory budget store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// live returns the entry's state if present and not expired. Expired
// entries are evicted in place; callers must hold the write lock.
func (s *MemoryStore) live(scopeKey string) *State {
	entry, ok := s.entries[scopeKey]
	if !ok {
		return nil
	}
	if !entry.expireAt.IsZero() && !s.now().Before(entry.expireAt) {
		delete(s.entries, scopeKey)
		return nil
	}
	return entry.state
}

// Get retrieves state for a scope key
func (s *MemoryStore) Get(_ context.Context, scopeKey string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	state := s.live(scopeKey)
	if state == nil {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// Set stores state with an optional expiry
func (s *MemoryStore) Set(_ context.Context, state *State, expireAt time.Time) error {
	if state == nil || state.ScopeKey == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.entries[state.ScopeKey] = &memoryEntry{state: state.Clone(), expireAt: expireAt}
	return nil
}

// Delete removes state for a scope key
func (s *MemoryStore) Delete(_ context.Context, scopeKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if s.live(scopeKey) == nil {
		return false, nil
	}
	delete(s.entries, scopeKey)
	return true, nil
}

// GetOrCreate returns existing live state or creates a fresh one for
// the period
func (s *MemoryStore) GetOrCreate(_ context.Context, scopeKey, budgetID string, periodStart, periodEnd time.Time) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if state := s.live(scopeKey); state != nil && !state.Expired(s.now()) {
		return state.Clone(), nil
	}

	state := NewState(budgetID, scopeKey, periodStart, periodEnd)
	s.entries[scopeKey] = &memoryEntry{state: state, expireAt: periodEnd}
	return state.Clone(), nil
}

// IncrementCost applies a usage delta to the stored state
func (s *MemoryStore) IncrementCost(_ context.Context, scopeKey string, delta UsageDelta) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	state := s.live(scopeKey)
	if state == nil {
		return nil, ErrNotFound
	}
	state.Apply(delta)
	return state.Clone(), nil
}

// AddConcurrentRun adds a run to the concurrent set
func (s *MemoryStore) AddConcurrentRun(_ context.Context, scopeKey, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	state := s.live(scopeKey)
	if state == nil {
		return 0, ErrNotFound
	}
	state.AddConcurrentRun(runID)
	return len(state.ConcurrentRunIDs), nil
}

// RemoveConcurrentRun removes a run from the concurrent set
func (s *MemoryStore) RemoveConcurrentRun(_ context.Context, scopeKey, runID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	state := s.live(scopeKey)
	if state == nil {
		return 0, ErrNotFound
	}
	state.RemoveConcurrentRun(runID)
	return len(state.ConcurrentRunIDs), nil
}

// ConcurrentRunCount returns the current concurrent run count
func (s *MemoryStore) ConcurrentRunCount(_ context.Context, scopeKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}
	state := s.live(scopeKey)
	if state == nil {
		return 0, nil
	}
	return len(state.ConcurrentRunIDs), nil
}

// ListBudgets returns all scope keys matching a glob pattern
func (s *MemoryStore) ListBudgets(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		if s.live(key) == nil {
			continue
		}
		ok, err := path.Match(pattern, key)
		if err != nil {
			return nil, err
		}
		if ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.entries = nil
	return nil
}

// Ensure MemoryStore implements BudgetStore
var _ BudgetStore = (*MemoryStore)(nil)
