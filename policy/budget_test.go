package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptrF64(v float64) *float64 { return &v }
func ptrInt(v int) *int         { return &v }
func ptrBool(v bool) *bool      { return &v }

func TestBudgetSpecFromDoc_Defaults(t *testing.T) {
	spec, err := BudgetSpecFromDoc(BudgetDoc{ID: "b1"})
	require.NoError(t, err)

	assert.Equal(t, ScopeTenant, spec.Scope, "默认作用域应为 tenant")
	assert.Equal(t, PeriodMonthly, spec.Period, "默认周期应为 monthly")
	assert.Equal(t, []float64{0.7, 0.9, 1.0}, spec.SoftThresholds)
	assert.True(t, spec.HardLimit, "默认启用硬上限")
	assert.Equal(t, ThresholdLogOnly, spec.OnSoftThresholdExceeded)
	assert.Equal(t, HardLimitRejectNewRuns, spec.OnHardLimitExceeded)
	assert.True(t, spec.Enabled)
	assert.Nil(t, spec.MaxCost)
	assert.Equal(t, Match{TenantID: "*", StrandID: "*", WorkflowID: "*"}, spec.Match,
		"空 match 字段应归一化为通配符")
}

func TestBudgetSpecFromDoc_Validation(t *testing.T) {
	tests := []struct {
		name        string
		doc         BudgetDoc
		wantErr     string
		description string
	}{
		{
			name:        "缺少 id",
			doc:         BudgetDoc{},
			wantErr:     "missing id",
			description: "id 为必填字段",
		},
		{
			name:        "未知作用域",
			doc:         BudgetDoc{ID: "b1", Scope: "region"},
			wantErr:     "unknown scope",
			description: "未知 scope 应在加载期报错",
		},
		{
			name:        "未知周期",
			doc:         BudgetDoc{ID: "b1", Period: "quarterly"},
			wantErr:     "unknown period",
			description: "未知 period 应在加载期报错",
		},
		{
			name:        "未知软阈值动作",
			doc:         BudgetDoc{ID: "b1", OnSoftThresholdExceeded: "PAGE_ONCALL"},
			wantErr:     "unknown soft threshold action",
			description: "未知动作应在加载期报错",
		},
		{
			name:        "未知硬上限动作",
			doc:         BudgetDoc{ID: "b1", OnHardLimitExceeded: "SHUTDOWN"},
			wantErr:     "unknown hard limit action",
			description: "未知动作应在加载期报错",
		},
		{
			name:        "软阈值越界",
			doc:         BudgetDoc{ID: "b1", SoftThresholds: []float64{0.5, 1.5}},
			wantErr:     "outside (0, 1]",
			description: "阈值必须落在 (0, 1] 区间",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BudgetSpecFromDoc(tt.doc)
			require.Error(t, err, tt.description)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMatch_Matches(t *testing.T) {
	tests := []struct {
		name        string
		match       Match
		tenantID    string
		strandID    string
		workflowID  string
		expected    bool
		description string
	}{
		{
			name:        "全通配符",
			match:       Match{TenantID: "*", StrandID: "*", WorkflowID: "*"},
			tenantID:    "t1",
			strandID:    "s1",
			workflowID:  "w1",
			expected:    true,
			description: "通配符匹配任意上下文",
		},
		{
			name:        "租户精确匹配",
			match:       Match{TenantID: "t1", StrandID: "*", WorkflowID: "*"},
			tenantID:    "t1",
			strandID:    "s1",
			workflowID:  "w1",
			expected:    true,
			description: "字面量字段需逐一相等",
		},
		{
			name:        "租户不匹配",
			match:       Match{TenantID: "t1", StrandID: "*", WorkflowID: "*"},
			tenantID:    "t2",
			strandID:    "s1",
			workflowID:  "w1",
			expected:    false,
			description: "任一字段不等即不匹配",
		},
		{
			name:        "工作流级匹配",
			match:       Match{TenantID: "t1", StrandID: "s1", WorkflowID: "w1"},
			tenantID:    "t1",
			strandID:    "s1",
			workflowID:  "w1",
			expected:    true,
			description: "三字段全部相等",
		},
		{
			name:        "工作流不匹配",
			match:       Match{TenantID: "t1", StrandID: "s1", WorkflowID: "w1"},
			tenantID:    "t1",
			strandID:    "s1",
			workflowID:  "w2",
			expected:    false,
			description: "workflow_id 不等即不匹配",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.match.Matches(tt.tenantID, tt.strandID, tt.workflowID)
			assert.Equal(t, tt.expected, got, tt.description)
		})
	}
}

func TestMatch_SpecificityScore(t *testing.T) {
	tests := []struct {
		name     string
		match    Match
		expected int
	}{
		{name: "全通配符", match: Match{TenantID: "*", StrandID: "*", WorkflowID: "*"}, expected: 0},
		{name: "仅租户", match: Match{TenantID: "t1", StrandID: "*", WorkflowID: "*"}, expected: 1},
		{name: "仅链路", match: Match{TenantID: "*", StrandID: "s1", WorkflowID: "*"}, expected: 2},
		{name: "租户加链路", match: Match{TenantID: "t1", StrandID: "s1", WorkflowID: "*"}, expected: 3},
		{name: "仅工作流", match: Match{TenantID: "*", StrandID: "*", WorkflowID: "w1"}, expected: 4},
		{name: "全字面量", match: Match{TenantID: "t1", StrandID: "s1", WorkflowID: "w1"}, expected: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.match.SpecificityScore())
		})
	}
}

func TestBudgetSpec_Priority(t *testing.T) {
	tests := []struct {
		name        string
		doc         BudgetDoc
		expected    int
		description string
	}{
		{
			name:        "全局预算",
			doc:         BudgetDoc{ID: "b", Scope: "global"},
			expected:    0,
			description: "global 权重 0,全通配为 0 分",
		},
		{
			name:        "租户预算带租户匹配",
			doc:         BudgetDoc{ID: "b", Scope: "tenant", Match: Match{TenantID: "t1"}},
			expected:    11,
			description: "tenant 权重 10 + 租户字面量 1",
		},
		{
			name:        "链路预算",
			doc:         BudgetDoc{ID: "b", Scope: "strand", Match: Match{TenantID: "t1", StrandID: "s1"}},
			expected:    23,
			description: "strand 权重 20 + 租户 1 + 链路 2",
		},
		{
			name:        "工作流预算全字面量",
			doc:         BudgetDoc{ID: "b", Scope: "workflow", Match: Match{TenantID: "t1", StrandID: "s1", WorkflowID: "w1"}},
			expected:    37,
			description: "workflow 权重 30 + 7 分",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := BudgetSpecFromDoc(tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, spec.Priority(), tt.description)
		})
	}
}

func TestBudgetSpec_MatchesContext_Disabled(t *testing.T) {
	spec, err := BudgetSpecFromDoc(BudgetDoc{ID: "b1", Enabled: ptrBool(false)})
	require.NoError(t, err)
	assert.False(t, spec.MatchesContext("t1", "s1", "w1"), "停用的预算不应匹配任何上下文")
}

func TestBudgetSpec_CurrentThresholdAction(t *testing.T) {
	tests := []struct {
		name        string
		thresholds  []float64
		action      string
		utilization float64
		wantCrossed bool
		description string
	}{
		{
			name:        "低于全部阈值",
			thresholds:  []float64{0.7, 0.9, 1.0},
			utilization: 0.5,
			wantCrossed: false,
			description: "未越过任何阈值不触发动作",
		},
		{
			name:        "越过首个阈值",
			thresholds:  []float64{0.7, 0.9, 1.0},
			action:      "DOWNGRADE_MODEL",
			utilization: 0.75,
			wantCrossed: true,
			description: "越过 0.7 即返回配置动作",
		},
		{
			name:        "恰好等于阈值",
			thresholds:  []float64{0.7},
			action:      "LOG_ONLY",
			utilization: 0.7,
			wantCrossed: true,
			description: "等于阈值视为越过",
		},
		{
			name:        "仅 1.0 阈值满额才触发",
			thresholds:  []float64{1.0},
			action:      "HALT_NEW_RUNS",
			utilization: 0.99,
			wantCrossed: false,
			description: "soft_thresholds=[1.0] 时满额才触发",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := BudgetSpecFromDoc(BudgetDoc{
				ID:                      "b1",
				MaxCost:                 ptrF64(100),
				SoftThresholds:          tt.thresholds,
				OnSoftThresholdExceeded: tt.action,
			})
			require.NoError(t, err)

			action, crossed := spec.CurrentThresholdAction(tt.utilization)
			assert.Equal(t, tt.wantCrossed, crossed, tt.description)
			if tt.wantCrossed {
				assert.Equal(t, ThresholdAction(tt.action), action)
			}
		})
	}
}

func TestBudgetSpec_IsHardLimitExceeded(t *testing.T) {
	hard, err := BudgetSpecFromDoc(BudgetDoc{ID: "b1", MaxCost: ptrF64(10)})
	require.NoError(t, err)
	assert.False(t, hard.IsHardLimitExceeded(0.99))
	assert.True(t, hard.IsHardLimitExceeded(1.0))
	assert.True(t, hard.IsHardLimitExceeded(1.3))

	soft, err := BudgetSpecFromDoc(BudgetDoc{ID: "b2", MaxCost: ptrF64(10), HardLimit: ptrBool(false)})
	require.NoError(t, err)
	assert.False(t, soft.IsHardLimitExceeded(2.0), "hard_limit=false 时硬上限永不触发")
}
