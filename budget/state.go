package budget

import (
	"fmt"
	"time"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/types"
)

// ScopeKey 为一条预算在给定运行上下文内生成唯一的记账键。
//
// 键同时作为进程内状态缓存与持久化存储的主键：
//
//	global:{budget_id}
//	tenant:{tenant_id}:{budget_id}
//	strand:{tenant_id}:{strand_id}:{budget_id}
//	workflow:{tenant_id}:{strand_id}:{workflow_id}:{budget_id}
func ScopeKey(b *policy.BudgetSpec, tenantID, strandID, workflowID string) string {
	switch b.Scope {
	case policy.ScopeGlobal:
		return "global:" + b.ID
	case policy.ScopeTenant:
		return fmt.Sprintf("tenant:%s:%s", tenantID, b.ID)
	case policy.ScopeStrand:
		return fmt.Sprintf("strand:%s:%s:%s", tenantID, strandID, b.ID)
	case policy.ScopeWorkflow:
		return fmt.Sprintf("workflow:%s:%s:%s:%s", tenantID, strandID, workflowID, b.ID)
	default:
		return fmt.Sprintf("%s:%s", b.Scope, b.ID)
	}
}

// PeriodUsage 是单个作用域在单个周期窗口内的累计账目。
//
// 周期内累计值只反映已结束的运行；在途运行的开销保存在 RunState 上，
// 直到 unregister 时一次性并入。ConcurrentRuns 记录当前活跃的运行
// 标识集合，运行可以跨越周期翻转而保持活跃。
type PeriodUsage struct {
	ScopeType         string
	ScopeID           string
	PeriodStart       time.Time
	PeriodEnd         time.Time
	TotalCost         float64
	TotalRuns         int
	TotalInputTokens  int64
	TotalOutputTokens int64
	TotalIterations   int
	TotalToolCalls    int
	ModelCosts        map[string]float64
	ToolCosts         map[string]float64
	ConcurrentRuns    map[string]struct{}
}

// NewPeriodUsage 创建一个归零的周期账目。
func NewPeriodUsage(scopeType, scopeID string, periodStart, periodEnd time.Time) *PeriodUsage {
	return &PeriodUsage{
		ScopeType:      scopeType,
		ScopeID:        scopeID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		ModelCosts:     make(map[string]float64),
		ToolCosts:      make(map[string]float64),
		ConcurrentRuns: make(map[string]struct{}),
	}
}

// AddRunTotals 将一次已结束运行的全部账目并入周期累计，并把
// TotalRuns 加一。每次运行结束恰好调用一次。
func (u *PeriodUsage) AddRunTotals(rs *types.RunState) {
	u.TotalCost += rs.TotalCost
	u.TotalRuns++
	u.TotalInputTokens += rs.TotalInputTokens
	u.TotalOutputTokens += rs.TotalOutputTokens
	u.TotalIterations += rs.CurrentIteration
	u.TotalToolCalls += rs.TotalToolCalls

	for model, cost := range rs.ModelCosts {
		u.ModelCosts[model] += cost
	}
	for tool, cost := range rs.ToolCosts {
		u.ToolCosts[tool] += cost
	}
}

// BudgetState 绑定一条预算策略与其当前周期账目。
type BudgetState struct {
	Budget *policy.BudgetSpec
	Usage  *PeriodUsage
}

// NewBudgetState 为预算创建包含 ref 时刻所在周期的初始状态。
func NewBudgetState(b *policy.BudgetSpec, ref time.Time) *BudgetState {
	start, end := PeriodBounds(b.Period, ref)
	return &BudgetState{
		Budget: b,
		Usage:  NewPeriodUsage(string(b.Scope), b.ID, start, end),
	}
}

// Utilization 返回当前预算使用率（0.0 起，可超过 1.0）。
// 未设置 max_cost 或 max_cost 非正时恒为 0。
func (s *BudgetState) Utilization() float64 {
	if s.Budget.MaxCost == nil || *s.Budget.MaxCost <= 0 {
		return 0.0
	}
	return s.Usage.TotalCost / *s.Budget.MaxCost
}

// RemainingBudget 返回剩余额度，未设置 max_cost 时返回 nil。
func (s *BudgetState) RemainingBudget() *float64 {
	if s.Budget.MaxCost == nil {
		return nil
	}
	remaining := *s.Budget.MaxCost - s.Usage.TotalCost
	if remaining < 0 {
		remaining = 0
	}
	return &remaining
}

// ConcurrentRuns 返回当前活跃运行数。
func (s *BudgetState) ConcurrentRuns() int {
	return len(s.Usage.ConcurrentRuns)
}

// IsPeriodExpired 判断当前周期是否已结束。周期窗口为半开区间，
// now 恰好等于 period_end 时即视为过期。
func (s *BudgetState) IsPeriodExpired(now time.Time) bool {
	return !now.Before(s.Usage.PeriodEnd)
}

// ResetForNewPeriod 翻转到包含 now 的新周期：累计值全部归零，
// 活跃运行集合原样保留，跨周期运行在结束时计入新周期。
func (s *BudgetState) ResetForNewPeriod(now time.Time) {
	start, end := PeriodBounds(s.Budget.Period, now)
	fresh := NewPeriodUsage(string(s.Budget.Scope), s.Budget.ID, start, end)
	fresh.ConcurrentRuns = s.Usage.ConcurrentRuns
	s.Usage = fresh
}

// Summary 是一条预算的只读用量快照，供查询接口与运维面板使用。
type Summary struct {
	BudgetID       string    `json:"budget_id"`
	Scope          string    `json:"scope"`
	Period         string    `json:"period"`
	MaxCost        *float64  `json:"max_cost"`
	CurrentCost    float64   `json:"current_cost"`
	Utilization    float64   `json:"utilization"`
	Remaining      *float64  `json:"remaining"`
	TotalRuns      int       `json:"total_runs"`
	ConcurrentRuns int       `json:"concurrent_runs"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
}

// Evaluation 是一次限额评估时对单条预算状态的值拷贝。所有字段在
// 跟踪器临界区内取值，返回后不再随状态变化。
type Evaluation struct {
	Budget          *policy.BudgetSpec
	ScopeKey        string
	Utilization     float64
	RemainingBudget *float64
	TotalCost       float64
	TotalRuns       int
	ConcurrentRuns  int
	PeriodStart     time.Time
	PeriodEnd       time.Time
}

// LimitViolation 表示一条预算触发了硬性限制。Reason 给出首个命中的
// 限制条件，多条预算同时超限时由调用方按特异性排序择首。
type LimitViolation struct {
	Evaluation
	Reason string
}
