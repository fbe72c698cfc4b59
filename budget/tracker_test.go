package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/store"
	"github.com/BaSui01/costguard/types"
)

// 测试统一使用 2030 年的固定时钟，保证持久化条目的过期时间远在
// 真实墙钟之后，不会被存储后端提前驱逐。
var testClock = time.Date(2030, 3, 12, 10, 30, 0, 0, time.UTC)

func newTestTracker(opts ...TrackerOption) (*Tracker, *time.Time) {
	now := testClock
	tr := NewTracker(opts...)
	tr.now = func() time.Time { return now }
	return tr, &now
}

func tenantBudget(id string, maxCost *float64) *policy.BudgetSpec {
	return &policy.BudgetSpec{
		ID:                      id,
		Scope:                   policy.ScopeTenant,
		Match:                   policy.Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
		Period:                  policy.PeriodDaily,
		MaxCost:                 maxCost,
		SoftThresholds:          policy.DefaultSoftThresholds(),
		HardLimit:               true,
		OnSoftThresholdExceeded: policy.ThresholdLogOnly,
		OnHardLimitExceeded:     policy.HardLimitRejectNewRuns,
		Enabled:                 true,
	}
}

func newRun(runID string) *types.RunState {
	return types.NewRunState(types.NewRunContext("t1", "s1", "w1", runID, nil))
}

// commitRun 走完一次运行的完整生命周期并提交 cost 到周期累计。
func commitRun(t *testing.T, tr *Tracker, runID string, cost float64, budgets []*policy.BudgetSpec) {
	t.Helper()
	ctx := context.Background()
	rs := newRun(runID)
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))
	require.True(t, tr.UpdateRunCost(runID, RunCostUpdate{
		ModelName: "gpt-4o", ModelCost: cost, InputTokens: 100, OutputTokens: 50,
	}))
	_, err := tr.UnregisterRun(ctx, runID, types.RunStatusCompleted, budgets)
	require.NoError(t, err)
}

func TestTracker_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	rs := newRun("r1")
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))

	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	require.Len(t, evals, 1)
	assert.Equal(t, 1, evals[0].ConcurrentRuns, "登记后立即计入并发集合")
	assert.Zero(t, evals[0].TotalCost)
	assert.Zero(t, evals[0].TotalRuns)

	// 运行期开销只累加在 RunState 上，周期累计保持不变。
	require.True(t, tr.UpdateRunCost("r1", RunCostUpdate{
		ModelName: "gpt-4o", ModelCost: 7.5, InputTokens: 1000, OutputTokens: 500,
	}))
	snap, ok := tr.RunSnapshot("r1")
	require.True(t, ok)
	assert.InDelta(t, 7.5, snap.TotalCost, 1e-9)
	assert.Equal(t, int64(1000), snap.TotalInputTokens)

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Zero(t, evals[0].TotalCost, "运行结束前周期累计不含在途开销")

	ended, err := tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.NoError(t, err)
	require.NotNil(t, ended)
	assert.Equal(t, types.RunStatusCompleted, ended.Status)
	assert.NotNil(t, ended.EndedAt)

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, evals[0].TotalCost, 1e-9, "注销时一次性结算")
	assert.Equal(t, 1, evals[0].TotalRuns)
	assert.Zero(t, evals[0].ConcurrentRuns)
	require.NotNil(t, evals[0].RemainingBudget)
	assert.InDelta(t, 92.5, *evals[0].RemainingBudget, 1e-9)
	assert.Zero(t, tr.ActiveRunCount())
}

func TestTracker_DuplicateRegistration(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	rs := newRun("r1")
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets), "重复登记是无副作用的空操作")

	other := newRun("r1")
	other.AddModelCost("gpt-4o", 99, 1, 1)
	require.NoError(t, tr.RegisterRun(ctx, other, budgets), "同 run_id 的第二个 RunState 同样被忽略")

	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Equal(t, 1, evals[0].ConcurrentRuns)
	assert.Equal(t, 1, tr.ActiveRunCount())

	ended, err := tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.NoError(t, err)
	assert.Zero(t, ended.TotalCost, "保留首次登记的 RunState")

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Equal(t, 1, evals[0].TotalRuns, "重复登记不得重复计数")
}

func TestTracker_UnknownRun(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	ended, err := tr.UnregisterRun(ctx, "ghost", types.RunStatusCompleted, budgets)
	require.NoError(t, err)
	assert.Nil(t, ended)

	assert.False(t, tr.UpdateRunCost("ghost", RunCostUpdate{ModelName: "gpt-4o", ModelCost: 1}))

	_, ok := tr.RunSnapshot("ghost")
	assert.False(t, ok)

	_, ok = tr.AdvanceIteration("ghost", 0)
	assert.False(t, ok)

	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Zero(t, evals[0].TotalRuns, "未知运行不影响周期累计")
}

func TestTracker_AdvanceIteration(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()

	rs := newRun("r1")
	require.NoError(t, tr.RegisterRun(ctx, rs, nil))

	n, ok := tr.AdvanceIteration("r1", 0)
	require.True(t, ok)
	assert.Equal(t, 1, n)

	n, ok = tr.AdvanceIteration("r1", 4)
	require.True(t, ok)
	assert.Equal(t, 5, n, "迭代计数推进到 iteration_idx+1")

	snap, ok := tr.RunSnapshot("r1")
	require.True(t, ok)
	assert.Equal(t, 5, snap.CurrentIteration)
}

func TestTracker_CheckBudgetLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("硬限额超限", func(t *testing.T) {
		tr, _ := newTestTracker()
		budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
		commitRun(t, tr, "r1", 100.0, budgets)

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		require.Len(t, exceeded, 1)
		assert.Equal(t, "Budget cap hard limit exceeded: 100.0%", exceeded[0].Reason)
		assert.Equal(t, "cap", exceeded[0].Budget.ID)
	})

	t.Run("使用率不足不触发", func(t *testing.T) {
		tr, _ := newTestTracker()
		budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
		commitRun(t, tr, "r1", 99.0, budgets)

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		assert.Empty(t, exceeded)
	})

	t.Run("关闭硬限额则超限不触发", func(t *testing.T) {
		tr, _ := newTestTracker()
		b := tenantBudget("cap", ptrF64(100))
		b.HardLimit = false
		budgets := []*policy.BudgetSpec{b}
		commitRun(t, tr, "r1", 150.0, budgets)

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		assert.Empty(t, exceeded)
	})

	t.Run("未设上限时硬限额永不触发", func(t *testing.T) {
		tr, _ := newTestTracker()
		budgets := []*policy.BudgetSpec{tenantBudget("open", nil)}
		commitRun(t, tr, "r1", 99999.0, budgets)

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		assert.Empty(t, exceeded)

		evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		assert.Zero(t, evals[0].Utilization)
		assert.Nil(t, evals[0].RemainingBudget)
	})

	t.Run("周期运行数上限", func(t *testing.T) {
		tr, _ := newTestTracker()
		b := tenantBudget("cap", ptrF64(1000))
		b.MaxRunsPerPeriod = ptrInt(2)
		budgets := []*policy.BudgetSpec{b}
		commitRun(t, tr, "r1", 1.0, budgets)
		commitRun(t, tr, "r2", 1.0, budgets)

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		require.Len(t, exceeded, 1)
		assert.Equal(t, "Budget cap max runs exceeded: 2/2", exceeded[0].Reason)
	})

	t.Run("并发运行数上限", func(t *testing.T) {
		tr, _ := newTestTracker()
		b := tenantBudget("cap", ptrF64(1000))
		b.MaxConcurrentRuns = ptrInt(1)
		budgets := []*policy.BudgetSpec{b}
		require.NoError(t, tr.RegisterRun(ctx, newRun("r1"), budgets))

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		require.Len(t, exceeded, 1)
		assert.Equal(t, "Budget cap max concurrent runs exceeded: 1/1", exceeded[0].Reason)
	})

	t.Run("每条预算只报告首个命中的条件", func(t *testing.T) {
		tr, _ := newTestTracker()
		b := tenantBudget("cap", ptrF64(10))
		b.MaxRunsPerPeriod = ptrInt(1)
		budgets := []*policy.BudgetSpec{b}
		commitRun(t, tr, "r1", 20.0, budgets) // 同时触发硬限额与运行数上限

		exceeded, err := tr.CheckBudgetLimits(ctx, "t1", "s1", "w1", budgets)
		require.NoError(t, err)
		require.Len(t, exceeded, 1)
		assert.Contains(t, exceeded[0].Reason, "hard limit exceeded")
	})
}

// 跨周期翻转：累计归零、窗口前移、活跃运行保留，跨周期运行的账目
// 结算进新周期。
func TestTracker_PeriodRollover(t *testing.T) {
	ctx := context.Background()
	tr, now := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	*now = time.Date(2030, 3, 12, 23, 59, 59, 0, time.UTC)
	commitRun(t, tr, "r0", 50.0, budgets)
	require.NoError(t, tr.RegisterRun(ctx, newRun("r3"), budgets))

	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	priorEnd := evals[0].PeriodEnd
	assert.InDelta(t, 50.0, evals[0].TotalCost, 1e-9)

	// 跨过午夜后任何访问都触发翻转。
	*now = time.Date(2030, 3, 13, 0, 0, 1, 0, time.UTC)
	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Zero(t, evals[0].TotalCost, "翻转后累计归零")
	assert.Zero(t, evals[0].TotalRuns)
	assert.Equal(t, 1, evals[0].ConcurrentRuns, "活跃运行跨周期保留")
	assert.True(t, evals[0].PeriodStart.Equal(priorEnd), "新窗口起点为旧窗口终点")

	// 跨周期运行结束时计入新周期。
	require.True(t, tr.UpdateRunCost("r3", RunCostUpdate{ModelName: "gpt-4o", ModelCost: 5.0}))
	_, err = tr.UnregisterRun(ctx, "r3", types.RunStatusCompleted, budgets)
	require.NoError(t, err)

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, evals[0].TotalCost, 1e-9)
	assert.Equal(t, 1, evals[0].TotalRuns)
	assert.Zero(t, evals[0].ConcurrentRuns)
}

// 恰好在整点边界上的访问使用新窗口。
func TestTracker_HourlyBoundaryUsesNewPeriod(t *testing.T) {
	ctx := context.Background()
	tr, now := newTestTracker()
	b := tenantBudget("cap", ptrF64(100))
	b.Period = policy.PeriodHourly
	budgets := []*policy.BudgetSpec{b}

	*now = time.Date(2030, 3, 12, 10, 59, 59, 999_000_000, time.UTC)
	commitRun(t, tr, "r1", 30.0, budgets)

	*now = time.Date(2030, 3, 12, 11, 0, 0, 0, time.UTC)
	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Zero(t, evals[0].TotalCost)
	assert.True(t, evals[0].PeriodStart.Equal(*now))
}

func TestTracker_BudgetSummary(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	capped := tenantBudget("tenant-cap", ptrF64(100))
	open := tenantBudget("tenant-open", nil)
	budgets := []*policy.BudgetSpec{capped, open}

	commitRun(t, tr, "r1", 25.0, budgets)

	summary, err := tr.BudgetSummary(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	s := summary["tenant-cap"]
	assert.Equal(t, "tenant", s.Scope)
	assert.Equal(t, "daily", s.Period)
	require.NotNil(t, s.MaxCost)
	assert.InDelta(t, 100.0, *s.MaxCost, 1e-9)
	assert.InDelta(t, 25.0, s.CurrentCost, 1e-9)
	assert.InDelta(t, 0.25, s.Utilization, 1e-9)
	require.NotNil(t, s.Remaining)
	assert.InDelta(t, 75.0, *s.Remaining, 1e-9)
	assert.Equal(t, 1, s.TotalRuns)

	o := summary["tenant-open"]
	assert.Nil(t, o.MaxCost)
	assert.Nil(t, o.Remaining)
	assert.Zero(t, o.Utilization)
	assert.InDelta(t, 25.0, o.CurrentCost, 1e-9)
}

func TestTracker_ScopeIsolation(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	rs := types.NewRunState(types.NewRunContext("t1", "s1", "w1", "r1", nil))
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))
	require.True(t, tr.UpdateRunCost("r1", RunCostUpdate{ModelName: "gpt-4o", ModelCost: 60}))
	_, err := tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.NoError(t, err)

	// 租户作用域按 tenant_id 建键，另一租户从零开始。
	evals, err := tr.EvaluateBudgets(ctx, "t2", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Zero(t, evals[0].TotalCost)

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s9", "w9", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, evals[0].TotalCost, 1e-9, "租户作用域与 strand/workflow 无关")
}

// =============================================================================
// 持久化存储集成
// =============================================================================

func TestTracker_StoreHydration(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
	key := ScopeKey(budgets[0], "t1", "s1", "w1")

	// 预写入一份已有消费的周期状态，模拟进程重启前的累计。
	start, end := PeriodBounds(policy.PeriodDaily, testClock)
	seeded := store.NewState("cap", key, start, end)
	seeded.TotalCost = 40.0
	seeded.TotalRuns = 3
	seeded.ConcurrentRunIDs = []string{"survivor"}
	require.NoError(t, ms.Set(ctx, seeded, end))

	tr, _ := newTestTracker(WithStore(ms))
	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 40.0, evals[0].TotalCost, 1e-9, "首次访问从存储水合")
	assert.Equal(t, 3, evals[0].TotalRuns)
	assert.Equal(t, 1, evals[0].ConcurrentRuns)
}

func TestTracker_StoreCommit(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
	key := ScopeKey(budgets[0], "t1", "s1", "w1")
	tr, _ := newTestTracker(WithStore(ms))

	rs := newRun("r1")
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))

	persisted, err := ms.Get(ctx, key)
	require.NoError(t, err)
	assert.Contains(t, persisted.ConcurrentRunIDs, "r1", "登记同步写入存储")

	require.True(t, tr.UpdateRunCost("r1", RunCostUpdate{
		ModelName: "gpt-4o", ModelCost: 7.5, InputTokens: 1000, OutputTokens: 500,
	}))
	_, err = tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.NoError(t, err)

	persisted, err = ms.Get(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, persisted.TotalCost, 1e-9)
	assert.Equal(t, 1, persisted.TotalRuns)
	assert.Equal(t, int64(1000), persisted.TotalInputTokens)
	assert.Empty(t, persisted.ConcurrentRunIDs)
	assert.InDelta(t, 7.5, persisted.ModelCosts["gpt-4o"], 1e-9)
}

// 两个跟踪器共享同一存储时，后启动者能看到先行者的累计。
func TestTracker_CrossInstanceSharing(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}

	trA, _ := newTestTracker(WithStore(ms))
	commitRun(t, trA, "r1", 60.0, budgets)

	trB, _ := newTestTracker(WithStore(ms))
	evals, err := trB.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 60.0, evals[0].TotalCost, 1e-9)
	assert.Equal(t, 1, evals[0].TotalRuns)
}

func TestTracker_RolloverPersisted(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
	key := ScopeKey(budgets[0], "t1", "s1", "w1")

	tr, now := newTestTracker(WithStore(ms))
	*now = time.Date(2030, 3, 12, 23, 0, 0, 0, time.UTC)
	commitRun(t, tr, "r1", 80.0, budgets)
	require.NoError(t, tr.RegisterRun(ctx, newRun("r2"), budgets))

	*now = time.Date(2030, 3, 13, 0, 30, 0, 0, time.UTC)
	_, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)

	persisted, err := ms.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, persisted.TotalCost, "翻转后的归零状态写回存储")
	assert.True(t, persisted.PeriodStart.Equal(time.Date(2030, 3, 13, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, persisted.ConcurrentRunIDs, "r2", "活跃集合随翻转保留")
}

// flakyStore 包装内存存储并让所有写路径失败，模拟存储不可用。
type flakyStore struct {
	store.BudgetStore
	fail bool
}

var errStoreDown = errors.New("connection refused")

func (f *flakyStore) GetOrCreate(ctx context.Context, scopeKey, budgetID string, periodStart, periodEnd time.Time) (*store.State, error) {
	if f.fail {
		return nil, errStoreDown
	}
	return f.BudgetStore.GetOrCreate(ctx, scopeKey, budgetID, periodStart, periodEnd)
}

func (f *flakyStore) Set(ctx context.Context, state *store.State, expireAt time.Time) error {
	if f.fail {
		return errStoreDown
	}
	return f.BudgetStore.Set(ctx, state, expireAt)
}

func (f *flakyStore) IncrementCost(ctx context.Context, scopeKey string, delta store.UsageDelta) (*store.State, error) {
	if f.fail {
		return nil, errStoreDown
	}
	return f.BudgetStore.IncrementCost(ctx, scopeKey, delta)
}

func (f *flakyStore) AddConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error) {
	if f.fail {
		return 0, errStoreDown
	}
	return f.BudgetStore.AddConcurrentRun(ctx, scopeKey, runID)
}

func (f *flakyStore) RemoveConcurrentRun(ctx context.Context, scopeKey, runID string) (int, error) {
	if f.fail {
		return 0, errStoreDown
	}
	return f.BudgetStore.RemoveConcurrentRun(ctx, scopeKey, runID)
}

// 存储故障按软失败处理：返回错误，但内存账目照常推进。
func TestTracker_StoreSoftFailure(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()
	fs := &flakyStore{BudgetStore: ms, fail: true}

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
	tr, _ := newTestTracker(WithStore(fs))

	// 首次访问时水合失败，降级为全新的内存状态并上报软错误。
	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
	require.Len(t, evals, 1)
	assert.Zero(t, evals[0].TotalCost)

	rs := newRun("r1")
	err = tr.RegisterRun(ctx, rs, budgets)
	require.Error(t, err, "并发集合写入存储失败同样以软错误上报")

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err, "状态建立后评估不再访问存储")
	assert.Equal(t, 1, evals[0].ConcurrentRuns, "内存登记不受存储故障影响")

	require.True(t, tr.UpdateRunCost("r1", RunCostUpdate{ModelName: "gpt-4o", ModelCost: 7.5}))
	ended, err := tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.Error(t, err)
	require.NotNil(t, ended)

	evals, err = tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.InDelta(t, 7.5, evals[0].TotalCost, 1e-9, "结算落在内存账目上")
	assert.Equal(t, 1, evals[0].TotalRuns)
}

// 存储键被驱逐后（键缺失），增量操作以内存状态整体重建。
func TestTracker_StoreSelfHeal(t *testing.T) {
	ctx := context.Background()
	ms := store.NewMemoryStore()
	defer ms.Close()

	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(100))}
	key := ScopeKey(budgets[0], "t1", "s1", "w1")
	tr, _ := newTestTracker(WithStore(ms))

	rs := newRun("r1")
	require.NoError(t, tr.RegisterRun(ctx, rs, budgets))

	// 模拟存储侧条目丢失。
	_, err := ms.Delete(ctx, key)
	require.NoError(t, err)

	require.True(t, tr.UpdateRunCost("r1", RunCostUpdate{ModelName: "gpt-4o", ModelCost: 3.0}))
	_, err = tr.UnregisterRun(ctx, "r1", types.RunStatusCompleted, budgets)
	require.NoError(t, err, "键缺失不是错误，整体重建后继续")

	persisted, err := ms.Get(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, persisted.TotalCost, 1e-9)
	assert.Equal(t, 1, persisted.TotalRuns)
}

func TestTracker_ConcurrentRuns(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTracker()
	budgets := []*policy.BudgetSpec{tenantBudget("cap", ptrF64(1000))}

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := fmt.Sprintf("r%d", i)
			rs := newRun(runID)
			if err := tr.RegisterRun(ctx, rs, budgets); err != nil {
				return
			}
			tr.UpdateRunCost(runID, RunCostUpdate{ModelName: "gpt-4o", ModelCost: 1.5})
			tr.UnregisterRun(ctx, runID, types.RunStatusCompleted, budgets) //nolint:errcheck
		}(i)
	}
	wg.Wait()

	evals, err := tr.EvaluateBudgets(ctx, "t1", "s1", "w1", budgets)
	require.NoError(t, err)
	assert.Equal(t, n, evals[0].TotalRuns)
	assert.InDelta(t, float64(n)*1.5, evals[0].TotalCost, 1e-9)
	assert.Zero(t, evals[0].ConcurrentRuns)
	assert.Zero(t, tr.ActiveRunCount())
}
