package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutingPolicyFromDoc_Defaults(t *testing.T) {
	p, err := RoutingPolicyFromDoc(RoutingDoc{ID: "r1"})
	require.NoError(t, err)

	assert.Equal(t, DefaultModel, p.DefaultModel, "缺省模型应为 gpt-4o-mini")
	assert.True(t, p.Enabled)
	assert.Equal(t, Match{TenantID: "*", StrandID: "*", WorkflowID: "*"}, p.Match)
	assert.Empty(t, p.Stages)
}

func TestRoutingPolicyFromDoc_Validation(t *testing.T) {
	tests := []struct {
		name        string
		doc         RoutingDoc
		wantErr     string
		description string
	}{
		{
			name:        "缺少 id",
			doc:         RoutingDoc{},
			wantErr:     "missing id",
			description: "id 为必填字段",
		},
		{
			name: "未知 stage",
			doc: RoutingDoc{ID: "r1", Stages: []StageDoc{
				{Stage: "reflection", DefaultModel: "gpt-4o"},
			}},
			wantErr:     "unknown stage",
			description: "stage 名必须是已知枚举",
		},
		{
			name: "负 max_tokens",
			doc: RoutingDoc{ID: "r1", Stages: []StageDoc{
				{Stage: StagePlanning, DefaultModel: "gpt-4o", MaxTokens: -1},
			}},
			wantErr:     "negative max_tokens",
			description: "max_tokens 不允许为负",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RoutingPolicyFromDoc(tt.doc)
			require.Error(t, err, tt.description)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRoutingPolicyFromDoc_TriggerDefaultsSoftThreshold(t *testing.T) {
	p, err := RoutingPolicyFromDoc(RoutingDoc{
		ID: "r1",
		Stages: []StageDoc{{
			Stage:         StageSynthesis,
			DefaultModel:  "gpt-4o",
			FallbackModel: "gpt-4o-mini",
			Trigger:       &TriggerDoc{},
		}},
	})
	require.NoError(t, err)

	sc, ok := p.StageFor(StageSynthesis)
	require.True(t, ok)
	require.NotNil(t, sc.Trigger)
	assert.True(t, sc.Trigger.SoftThresholdExceeded,
		"声明了 trigger_downgrade_on 但未写 soft_threshold_exceeded 时默认响应软阈值")

	disabled, err := RoutingPolicyFromDoc(RoutingDoc{
		ID: "r2",
		Stages: []StageDoc{{
			Stage:         StageSynthesis,
			DefaultModel:  "gpt-4o",
			FallbackModel: "gpt-4o-mini",
			Trigger:       &TriggerDoc{SoftThresholdExceeded: ptrBool(false)},
		}},
	})
	require.NoError(t, err)
	sc, ok = disabled.StageFor(StageSynthesis)
	require.True(t, ok)
	assert.False(t, sc.Trigger.SoftThresholdExceeded)
}

func TestDowngradeTrigger_ShouldDowngrade(t *testing.T) {
	tests := []struct {
		name           string
		trigger        *DowngradeTrigger
		signals        Signals
		wantDowngrade  bool
		expectedReason string
		description    string
	}{
		{
			name:          "nil 触发器",
			trigger:       nil,
			signals:       Signals{SoftThresholdExceeded: true},
			wantDowngrade: false,
			description:   "无触发器配置时不降级",
		},
		{
			name:           "软阈值触发",
			trigger:        &DowngradeTrigger{SoftThresholdExceeded: true},
			signals:        Signals{SoftThresholdExceeded: true},
			wantDowngrade:  true,
			expectedReason: "soft budget threshold exceeded",
			description:    "软阈值越过时降级",
		},
		{
			name:          "软阈值未越过",
			trigger:       &DowngradeTrigger{SoftThresholdExceeded: true},
			signals:       Signals{},
			wantDowngrade: false,
			description:   "信号未置位则不降级",
		},
		{
			name:           "剩余预算低于阈值",
			trigger:        &DowngradeTrigger{RemainingBudgetBelow: ptrF64(10)},
			signals:        Signals{RemainingBudget: ptrF64(5.5)},
			wantDowngrade:  true,
			expectedReason: "remaining budget (5.50) below threshold (10.00)",
			description:    "剩余预算不足时降级",
		},
		{
			name:          "剩余预算信号缺失",
			trigger:       &DowngradeTrigger{RemainingBudgetBelow: ptrF64(10)},
			signals:       Signals{},
			wantDowngrade: false,
			description:   "信号缺失时跳过该条件",
		},
		{
			name:           "迭代次数超限",
			trigger:        &DowngradeTrigger{IterationCountAbove: ptrInt(10)},
			signals:        Signals{IterationCount: 11},
			wantDowngrade:  true,
			expectedReason: "iteration count (11) above threshold (10)",
			description:    "迭代数严格大于阈值时降级",
		},
		{
			name:          "迭代次数恰好等于阈值",
			trigger:       &DowngradeTrigger{IterationCountAbove: ptrInt(10)},
			signals:       Signals{IterationCount: 10},
			wantDowngrade: false,
			description:   "等于阈值不触发",
		},
		{
			name:           "平均时延超限",
			trigger:        &DowngradeTrigger{LatencyAboveMS: ptrF64(2000)},
			signals:        Signals{AvgLatencyMS: ptrF64(3500)},
			wantDowngrade:  true,
			expectedReason: "average latency (3500ms) above threshold (2000ms)",
			description:    "平均时延高于阈值时降级",
		},
		{
			name: "多条件满足取第一条",
			trigger: &DowngradeTrigger{
				SoftThresholdExceeded: true,
				RemainingBudgetBelow:  ptrF64(100),
			},
			signals: Signals{
				SoftThresholdExceeded: true,
				RemainingBudget:       ptrF64(1),
			},
			wantDowngrade:  true,
			expectedReason: "soft budget threshold exceeded",
			description:    "按声明顺序返回第一个满足条件的理由",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := tt.trigger.ShouldDowngrade(tt.signals)
			assert.Equal(t, tt.wantDowngrade, got, tt.description)
			assert.Equal(t, tt.expectedReason, reason)
		})
	}
}

func TestRoutingPolicy_StageFor(t *testing.T) {
	p, err := RoutingPolicyFromDoc(RoutingDoc{
		ID: "r1",
		Stages: []StageDoc{
			{Stage: StagePlanning, DefaultModel: "gpt-4o", MaxTokens: 2048},
			{Stage: StageSynthesis, DefaultModel: "claude-3.5-sonnet"},
		},
		DefaultModel: "gpt-4o-mini",
	})
	require.NoError(t, err)

	sc, ok := p.StageFor(StagePlanning)
	require.True(t, ok)
	assert.Equal(t, "gpt-4o", sc.DefaultModel)
	assert.Equal(t, 2048, sc.MaxTokens)

	_, ok = p.StageFor(StageToolSelection)
	assert.False(t, ok, "未配置的 stage 应返回 false")
}
