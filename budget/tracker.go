package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/store"
	"github.com/BaSui01/costguard/types"
)

// =============================================================================
// 📊 预算跟踪器
// =============================================================================

// Tracker 维护所有作用域的周期账目与在途运行的账目。
//
// 并发模型为分条目锁：每个 scope key 对应一把锁，每个 run_id 对应
// 一把锁，不同租户、不同运行之间互不阻塞。单个 scope key 上的
// register / unregister / check 组合操作彼此串行。
//
// 配置了持久化存储时，周期账目在首次访问时从存储水合，后续每次
// 提交同步写回；存储故障按软失败处理，内存状态仍然生效，错误返回
// 给调用方由 FailureMode 决定后续行为。
type Tracker struct {
	store  store.BudgetStore
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	budgets map[string]*budgetEntry
	runs    map[string]*runEntry
}

type budgetEntry struct {
	mu    sync.Mutex
	state *BudgetState
}

type runEntry struct {
	mu   sync.Mutex
	rs   *types.RunState
	gone bool
}

// TrackerOption 配置 Tracker。
type TrackerOption func(*Tracker)

// WithStore 启用持久化存储，周期账目跨重启、跨实例共享。
func WithStore(s store.BudgetStore) TrackerOption {
	return func(t *Tracker) { t.store = s }
}

// WithTrackerLogger 设置日志器。
func WithTrackerLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock 注入时间源，周期边界与翻转判断都以它为准。
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker 创建预算跟踪器。
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
		budgets: make(map[string]*budgetEntry),
		runs:    make(map[string]*runEntry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(zap.String("component", "budget_tracker"))
	return t
}

// RunCostUpdate 是一次运行期成本增量。ModelName 非空时计入模型账目，
// ToolName 非空时计入工具账目，两者可以同时出现。
type RunCostUpdate struct {
	ModelName    string
	ModelCost    float64
	InputTokens  int64
	OutputTokens int64
	ToolName     string
	ToolCost     float64
}

// =============================================================================
// 🏃 运行注册与运行期账目
// =============================================================================

// RegisterRun 登记一次新运行：保存 RunState，并把 run_id 加入每条
// 匹配预算的活跃集合。对同一 run_id 的重复登记是无副作用的空操作。
//
// 返回的错误只反映持久化存储的软失败，内存登记总是生效。
func (t *Tracker) RegisterRun(ctx context.Context, rs *types.RunState, budgets []*policy.BudgetSpec) error {
	runID := rs.Context.RunID

	t.mu.Lock()
	if _, exists := t.runs[runID]; exists {
		t.mu.Unlock()
		t.logger.Warn("run already registered, ignoring duplicate",
			zap.String("run_id", runID))
		return nil
	}
	t.runs[runID] = &runEntry{rs: rs}
	t.mu.Unlock()

	var softErr error
	for _, b := range budgets {
		key := ScopeKey(b, rs.Context.TenantID, rs.Context.StrandID, rs.Context.WorkflowID)
		e := t.budgetEntryFor(key)

		e.mu.Lock()
		if err := t.ensureStateLocked(ctx, e, b, key); err != nil {
			softErr = errors.Join(softErr, err)
		}
		e.state.Usage.ConcurrentRuns[runID] = struct{}{}
		if t.store != nil {
			if _, err := t.store.AddConcurrentRun(ctx, key, runID); err != nil {
				softErr = errors.Join(softErr, t.repairStoreLocked(ctx, key, e.state, err))
			}
		}
		e.mu.Unlock()
	}
	return softErr
}

// UnregisterRun 注销一次运行：标记终态，把运行账目一次性并入每条
// 匹配预算的周期累计（TotalRuns 加一），从活跃集合移除并删除
// RunState。返回注销的 RunState；run_id 未登记时返回 nil。
func (t *Tracker) UnregisterRun(ctx context.Context, runID string, status types.RunStatus, budgets []*policy.BudgetSpec) (*types.RunState, error) {
	t.mu.Lock()
	re := t.runs[runID]
	delete(t.runs, runID)
	t.mu.Unlock()

	if re == nil {
		t.logger.Warn("attempted to unregister unknown run", zap.String("run_id", runID))
		return nil, nil
	}

	re.mu.Lock()
	re.gone = true
	rs := re.rs
	rs.End(status)
	re.mu.Unlock()

	var softErr error
	for _, b := range budgets {
		key := ScopeKey(b, rs.Context.TenantID, rs.Context.StrandID, rs.Context.WorkflowID)
		e := t.budgetEntryFor(key)

		e.mu.Lock()
		if err := t.ensureStateLocked(ctx, e, b, key); err != nil {
			softErr = errors.Join(softErr, err)
		}
		delete(e.state.Usage.ConcurrentRuns, runID)
		e.state.Usage.AddRunTotals(rs)
		if t.store != nil {
			if _, err := t.store.IncrementCost(ctx, key, deltaFromRun(rs)); err != nil {
				softErr = errors.Join(softErr, t.repairStoreLocked(ctx, key, e.state, err))
			} else if _, err := t.store.RemoveConcurrentRun(ctx, key, runID); err != nil && !errors.Is(err, store.ErrNotFound) {
				t.logger.Warn("failed to remove concurrent run from store",
					zap.String("scope_key", key), zap.String("run_id", runID), zap.Error(err))
				softErr = errors.Join(softErr, fmt.Errorf("remove concurrent run %s: %w", key, err))
			}
		}
		e.mu.Unlock()
	}
	return rs, softErr
}

// RunSnapshot 返回运行账目的深拷贝。未登记的 run_id 返回 (nil, false)。
func (t *Tracker) RunSnapshot(runID string) (*types.RunState, bool) {
	re := t.runEntryFor(runID)
	if re == nil {
		return nil, false
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.gone {
		return nil, false
	}
	return re.rs.Clone(), true
}

// ActiveRunCount 返回当前登记在册的运行数。
func (t *Tracker) ActiveRunCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}

// UpdateRunCost 把一次模型或工具调用的开销累加到 RunState 上。
// 周期累计不在此处更新，运行结束时一并结算。未知 run_id 记警告
// 并返回 false。
func (t *Tracker) UpdateRunCost(runID string, upd RunCostUpdate) bool {
	re := t.runEntryFor(runID)
	if re == nil {
		t.logger.Warn("attempted to update cost for unknown run", zap.String("run_id", runID))
		return false
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.gone {
		t.logger.Warn("attempted to update cost for ended run", zap.String("run_id", runID))
		return false
	}
	if upd.ModelName != "" {
		re.rs.AddModelCost(upd.ModelName, upd.ModelCost, upd.InputTokens, upd.OutputTokens)
	}
	if upd.ToolName != "" {
		re.rs.AddToolCost(upd.ToolName, upd.ToolCost)
	}
	return true
}

// AdvanceIteration 把运行的迭代计数推进到 iterationIdx+1，返回新值。
// 未知 run_id 返回 (0, false)。
func (t *Tracker) AdvanceIteration(runID string, iterationIdx int) (int, bool) {
	re := t.runEntryFor(runID)
	if re == nil {
		return 0, false
	}
	re.mu.Lock()
	defer re.mu.Unlock()
	if re.gone {
		return 0, false
	}
	re.rs.CurrentIteration = iterationIdx + 1
	return re.rs.CurrentIteration, true
}

// =============================================================================
// 🚦 限额评估
// =============================================================================

// EvaluateBudgets 在各自临界区内为每条预算取一份状态快照。访问会
// 触发按需水合与周期翻转。返回顺序与传入的预算顺序一致。
func (t *Tracker) EvaluateBudgets(ctx context.Context, tenantID, strandID, workflowID string, budgets []*policy.BudgetSpec) ([]Evaluation, error) {
	evals := make([]Evaluation, 0, len(budgets))
	var softErr error
	for _, b := range budgets {
		key := ScopeKey(b, tenantID, strandID, workflowID)
		e := t.budgetEntryFor(key)

		e.mu.Lock()
		if err := t.ensureStateLocked(ctx, e, b, key); err != nil {
			softErr = errors.Join(softErr, err)
		}
		s := e.state
		evals = append(evals, Evaluation{
			Budget:          s.Budget,
			ScopeKey:        key,
			Utilization:     s.Utilization(),
			RemainingBudget: s.RemainingBudget(),
			TotalCost:       s.Usage.TotalCost,
			TotalRuns:       s.Usage.TotalRuns,
			ConcurrentRuns:  s.ConcurrentRuns(),
			PeriodStart:     s.Usage.PeriodStart,
			PeriodEnd:       s.Usage.PeriodEnd,
		})
		e.mu.Unlock()
	}
	return evals, softErr
}

// CheckBudgetLimits 返回所有触发了硬性限制的预算。每条预算按
// 硬限额、周期运行数上限、并发运行数上限的顺序检查，只报告首个
// 命中的条件。
func (t *Tracker) CheckBudgetLimits(ctx context.Context, tenantID, strandID, workflowID string, budgets []*policy.BudgetSpec) ([]LimitViolation, error) {
	evals, softErr := t.EvaluateBudgets(ctx, tenantID, strandID, workflowID, budgets)

	var exceeded []LimitViolation
	for _, ev := range evals {
		b := ev.Budget
		if b.MaxCost != nil && *b.MaxCost > 0 && b.HardLimit && ev.Utilization >= 1.0 {
			exceeded = append(exceeded, LimitViolation{
				Evaluation: ev,
				Reason:     fmt.Sprintf("Budget %s hard limit exceeded: %.1f%%", b.ID, ev.Utilization*100),
			})
			continue
		}
		if b.MaxRunsPerPeriod != nil && *b.MaxRunsPerPeriod > 0 && ev.TotalRuns >= *b.MaxRunsPerPeriod {
			exceeded = append(exceeded, LimitViolation{
				Evaluation: ev,
				Reason:     fmt.Sprintf("Budget %s max runs exceeded: %d/%d", b.ID, ev.TotalRuns, *b.MaxRunsPerPeriod),
			})
			continue
		}
		if b.MaxConcurrentRuns != nil && *b.MaxConcurrentRuns > 0 && ev.ConcurrentRuns >= *b.MaxConcurrentRuns {
			exceeded = append(exceeded, LimitViolation{
				Evaluation: ev,
				Reason:     fmt.Sprintf("Budget %s max concurrent runs exceeded: %d/%d", b.ID, ev.ConcurrentRuns, *b.MaxConcurrentRuns),
			})
		}
	}
	return exceeded, softErr
}

// BudgetSummary 返回各预算的用量摘要，键为预算 ID。
func (t *Tracker) BudgetSummary(ctx context.Context, tenantID, strandID, workflowID string, budgets []*policy.BudgetSpec) (map[string]Summary, error) {
	evals, softErr := t.EvaluateBudgets(ctx, tenantID, strandID, workflowID, budgets)

	out := make(map[string]Summary, len(evals))
	for _, ev := range evals {
		var maxCost *float64
		if ev.Budget.MaxCost != nil {
			v := *ev.Budget.MaxCost
			maxCost = &v
		}
		out[ev.Budget.ID] = Summary{
			BudgetID:       ev.Budget.ID,
			Scope:          string(ev.Budget.Scope),
			Period:         string(ev.Budget.Period),
			MaxCost:        maxCost,
			CurrentCost:    ev.TotalCost,
			Utilization:    ev.Utilization,
			Remaining:      ev.RemainingBudget,
			TotalRuns:      ev.TotalRuns,
			ConcurrentRuns: ev.ConcurrentRuns,
			PeriodStart:    ev.PeriodStart,
			PeriodEnd:      ev.PeriodEnd,
		}
	}
	return out, softErr
}

// =============================================================================
// 🔧 条目管理与持久化
// =============================================================================

func (t *Tracker) budgetEntryFor(key string) *budgetEntry {
	t.mu.RLock()
	e := t.budgets[key]
	t.mu.RUnlock()
	if e != nil {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e = t.budgets[key]; e == nil {
		e = &budgetEntry{}
		t.budgets[key] = e
	}
	return e
}

func (t *Tracker) runEntryFor(runID string) *runEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.runs[runID]
}

// ensureStateLocked 保证条目携带当前周期的有效状态：首次访问时创建
// 或从存储水合，周期过期时翻转并回写。调用方必须持有 e.mu。
// 返回的错误为存储软失败，e.state 在返回后总是非 nil。
func (t *Tracker) ensureStateLocked(ctx context.Context, e *budgetEntry, b *policy.BudgetSpec, key string) error {
	now := t.now()

	if e.state == nil {
		if t.store != nil {
			start, end := PeriodBounds(b.Period, now)
			persisted, err := t.store.GetOrCreate(ctx, key, b.ID, start, end)
			if err != nil {
				t.logger.Warn("budget state hydration failed, falling back to in-memory state",
					zap.String("scope_key", key), zap.Error(err))
				e.state = NewBudgetState(b, now)
				return fmt.Errorf("hydrate %s: %w", key, err)
			}
			e.state = stateFromStore(b, persisted)
			return nil
		}
		e.state = NewBudgetState(b, now)
		return nil
	}

	// 策略热更新可能带来同 ID 预算的新 Spec 指针，统一换用最新的，
	// 避免限额判断与使用率计算引用两个版本。
	e.state.Budget = b

	if e.state.IsPeriodExpired(now) {
		t.logger.Info("budget period expired, resetting",
			zap.String("scope_key", key),
			zap.Time("period_end", e.state.Usage.PeriodEnd))
		e.state.ResetForNewPeriod(now)
		return t.persistLocked(ctx, key, e.state)
	}
	return nil
}

// persistLocked 把条目状态整体写回存储，过期时间取 period_end。
func (t *Tracker) persistLocked(ctx context.Context, key string, state *BudgetState) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.Set(ctx, storeStateFrom(key, state), state.Usage.PeriodEnd); err != nil {
		t.logger.Warn("failed to persist budget state",
			zap.String("scope_key", key), zap.Error(err))
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}

// repairStoreLocked 处理存储增量操作的失败：键缺失时（TTL 驱逐或
// 此前的存储故障）以内存状态整体重建，其余错误记警告后上抛。
func (t *Tracker) repairStoreLocked(ctx context.Context, key string, state *BudgetState, cause error) error {
	if errors.Is(cause, store.ErrNotFound) {
		return t.persistLocked(ctx, key, state)
	}
	t.logger.Warn("budget store update failed",
		zap.String("scope_key", key), zap.Error(cause))
	return fmt.Errorf("store update %s: %w", key, cause)
}

func stateFromStore(b *policy.BudgetSpec, s *store.State) *BudgetState {
	usage := &PeriodUsage{
		ScopeType:         string(b.Scope),
		ScopeID:           b.ID,
		PeriodStart:       s.PeriodStart,
		PeriodEnd:         s.PeriodEnd,
		TotalCost:         s.TotalCost,
		TotalRuns:         s.TotalRuns,
		TotalInputTokens:  s.TotalInputTokens,
		TotalOutputTokens: s.TotalOutputTokens,
		TotalIterations:   s.TotalIterations,
		TotalToolCalls:    s.TotalToolCalls,
		ModelCosts:        make(map[string]float64, len(s.ModelCosts)),
		ToolCosts:         make(map[string]float64, len(s.ToolCosts)),
		ConcurrentRuns:    make(map[string]struct{}, len(s.ConcurrentRunIDs)),
	}
	for model, cost := range s.ModelCosts {
		usage.ModelCosts[model] = cost
	}
	for tool, cost := range s.ToolCosts {
		usage.ToolCosts[tool] = cost
	}
	for _, id := range s.ConcurrentRunIDs {
		usage.ConcurrentRuns[id] = struct{}{}
	}
	return &BudgetState{Budget: b, Usage: usage}
}

func storeStateFrom(key string, bs *BudgetState) *store.State {
	u := bs.Usage
	s := store.NewState(bs.Budget.ID, key, u.PeriodStart, u.PeriodEnd)
	s.TotalCost = u.TotalCost
	s.TotalRuns = u.TotalRuns
	s.TotalInputTokens = u.TotalInputTokens
	s.TotalOutputTokens = u.TotalOutputTokens
	s.TotalIterations = u.TotalIterations
	s.TotalToolCalls = u.TotalToolCalls
	for model, cost := range u.ModelCosts {
		s.ModelCosts[model] = cost
	}
	for tool, cost := range u.ToolCosts {
		s.ToolCosts[tool] = cost
	}
	s.ConcurrentRunIDs = make([]string, 0, len(u.ConcurrentRuns))
	for id := range u.ConcurrentRuns {
		s.ConcurrentRunIDs = append(s.ConcurrentRunIDs, id)
	}
	sort.Strings(s.ConcurrentRunIDs)
	return s
}

func deltaFromRun(rs *types.RunState) store.UsageDelta {
	return store.UsageDelta{
		Cost:         rs.TotalCost,
		Runs:         1,
		InputTokens:  rs.TotalInputTokens,
		OutputTokens: rs.TotalOutputTokens,
		Iterations:   rs.CurrentIteration,
		ToolCalls:    rs.TotalToolCalls,
		ModelCosts:   rs.ModelCosts,
		ToolCosts:    rs.ToolCosts,
	}
}
