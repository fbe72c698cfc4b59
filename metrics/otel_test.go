package metrics

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/BaSui01/costguard/types"
)

func testRunContext() types.RunContext {
	return types.RunContext{
		TenantID:   "t1",
		StrandID:   "s1",
		WorkflowID: "w1",
		RunID:      "r1",
	}
}

func newTestEmitter(t *testing.T, opts ...OTelOption) (*OTelEmitter, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	emitter, err := NewOTelEmitter(append([]OTelOption{WithMeterProvider(provider)}, opts...)...)
	require.NoError(t, err)
	return emitter, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFloat(t *testing.T, m metricdata.Metrics) float64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[float64])
	require.True(t, ok, "期望 float64 Sum 数据")
	var total float64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func sumInt(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "期望 int64 Sum 数据")
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func firstAttrs(t *testing.T, m metricdata.Metrics) attribute.Set {
	t.Helper()
	switch data := m.Data.(type) {
	case metricdata.Sum[int64]:
		require.NotEmpty(t, data.DataPoints)
		return data.DataPoints[0].Attributes
	case metricdata.Sum[float64]:
		require.NotEmpty(t, data.DataPoints)
		return data.DataPoints[0].Attributes
	default:
		t.Fatalf("未知数据类型 %T", m.Data)
		return attribute.Set{}
	}
}

func TestOTelEmitter_RunLifecycle(t *testing.T) {
	emitter, reader := newTestEmitter(t)
	ctx := context.Background()
	rc := testRunContext()

	emitter.RunStarted(ctx, rc)

	rs := types.NewRunState(rc)
	rs.AddModelCost("gpt-4o-mini", 1.25, 1000, 200)
	rs.End(types.RunStatusCompleted)
	emitter.RunEnded(ctx, rs)

	got := collect(t, reader)

	require.Contains(t, got, MetricAgentRuns)
	assert.EqualValues(t, 2, sumInt(t, got[MetricAgentRuns]), "start 与 end 各计一次")

	require.Contains(t, got, MetricCostTotal)
	assert.InDelta(t, 1.25, sumFloat(t, got[MetricCostTotal]), 1e-9)

	require.Contains(t, got, MetricTokensInput)
	assert.EqualValues(t, 1000, sumInt(t, got[MetricTokensInput]))
	require.Contains(t, got, MetricTokensOutput)
	assert.EqualValues(t, 200, sumInt(t, got[MetricTokensOutput]))
}

func TestOTelEmitter_ModelAndToolCost(t *testing.T) {
	emitter, reader := newTestEmitter(t)
	ctx := context.Background()
	rc := testRunContext()

	emitter.ModelCost(ctx, rc, types.ModelUsage{
		ModelName:        "gpt-4o-mini",
		PromptTokens:     500,
		CompletionTokens: 100,
		Cost:             0.05,
	})
	emitter.ToolCost(ctx, rc, types.ToolUsage{ToolName: "web_search", Cost: 0.01})
	emitter.ToolCost(ctx, rc, types.ToolUsage{ToolName: "calculator"})

	got := collect(t, reader)

	assert.InDelta(t, 0.05, sumFloat(t, got[MetricCostModel]), 1e-9)
	assert.EqualValues(t, 500, sumInt(t, got[MetricTokensInput]))
	assert.EqualValues(t, 100, sumInt(t, got[MetricTokensOutput]))
	assert.EqualValues(t, 2, sumInt(t, got[MetricAgentToolCalls]), "零成本工具调用也计数")
	assert.InDelta(t, 0.01, sumFloat(t, got[MetricCostTool]), 1e-9)

	attrs := firstAttrs(t, got[MetricCostModel])
	v, ok := attrs.Value(attribute.Key("genai.model.name"))
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", v.AsString())
}

func TestOTelEmitter_ZeroValuesSkipCostCounters(t *testing.T) {
	emitter, reader := newTestEmitter(t)
	ctx := context.Background()

	emitter.ModelCost(ctx, testRunContext(), types.ModelUsage{ModelName: "gpt-4o-mini"})

	got := collect(t, reader)
	assert.NotContains(t, got, MetricCostModel, "零成本不产生数据点")
	assert.NotContains(t, got, MetricTokensInput)
}

func TestOTelEmitter_Events(t *testing.T) {
	emitter, reader := newTestEmitter(t)
	ctx := context.Background()
	rc := testRunContext()

	emitter.Downgrade(ctx, rc, "gpt-4", "gpt-4o-mini", "soft budget threshold exceeded")
	emitter.Rejection(ctx, rc, "Budget cap hard limit exceeded: 100.0%")
	emitter.Halt(ctx, rc, "Max iterations (50) reached")
	emitter.IterationCompleted(ctx, rc, 3)

	got := collect(t, reader)

	assert.EqualValues(t, 1, sumInt(t, got[MetricDowngradeEvents]))
	assert.EqualValues(t, 1, sumInt(t, got[MetricRejectionEvents]))
	assert.EqualValues(t, 1, sumInt(t, got[MetricHaltEvents]))
	assert.EqualValues(t, 1, sumInt(t, got[MetricAgentIterations]))

	attrs := firstAttrs(t, got[MetricDowngradeEvents])
	orig, ok := attrs.Value(attribute.Key("genai.model.original"))
	require.True(t, ok)
	assert.Equal(t, "gpt-4", orig.AsString())
	fb, ok := attrs.Value(attribute.Key("genai.model.fallback"))
	require.True(t, ok)
	assert.Equal(t, "gpt-4o-mini", fb.AsString())

	iterAttrs := firstAttrs(t, got[MetricAgentIterations])
	idx, ok := iterAttrs.Value(attribute.Key("costguard.iteration_idx"))
	require.True(t, ok)
	assert.EqualValues(t, 3, idx.AsInt64())
}

func TestOTelEmitter_ReasonTruncated(t *testing.T) {
	emitter, reader := newTestEmitter(t)

	long := strings.Repeat("预算超限", 60) // 240 个字符
	emitter.Rejection(context.Background(), testRunContext(), long)

	got := collect(t, reader)
	attrs := firstAttrs(t, got[MetricRejectionEvents])
	v, ok := attrs.Value(attribute.Key("costguard.reason"))
	require.True(t, ok)
	assert.Equal(t, 100, utf8.RuneCountInString(v.AsString()), "reason 按字符截断到 100")
}

func TestOTelEmitter_RunIDOptIn(t *testing.T) {
	t.Run("默认不带 run_id", func(t *testing.T) {
		emitter, reader := newTestEmitter(t)
		emitter.RunStarted(context.Background(), testRunContext())

		attrs := firstAttrs(t, collect(t, reader)[MetricAgentRuns])
		_, ok := attrs.Value(attribute.Key("costguard.run_id"))
		assert.False(t, ok)

		tenant, ok := attrs.Value(attribute.Key("costguard.tenant_id"))
		require.True(t, ok)
		assert.Equal(t, "t1", tenant.AsString())
	})

	t.Run("显式开启附加 run_id", func(t *testing.T) {
		emitter, reader := newTestEmitter(t, WithIncludeRunID(true))
		emitter.RunStarted(context.Background(), testRunContext())

		attrs := firstAttrs(t, collect(t, reader)[MetricAgentRuns])
		v, ok := attrs.Value(attribute.Key("costguard.run_id"))
		require.True(t, ok)
		assert.Equal(t, "r1", v.AsString())
	})
}

func TestTruncateReason(t *testing.T) {
	assert.Equal(t, "short", truncateReason("short"))

	exact := strings.Repeat("a", 100)
	assert.Equal(t, exact, truncateReason(exact))

	over := strings.Repeat("b", 101)
	assert.Equal(t, strings.Repeat("b", 100), truncateReason(over))
}
