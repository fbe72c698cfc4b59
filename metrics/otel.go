package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/BaSui01/costguard/types"
)

const instrumentationName = "github.com/BaSui01/costguard"

// OTelEmitter 把指标发射到 OpenTelemetry 计数器。
//
// 默认使用全局 MeterProvider：宿主未初始化遥测时计数器仍可创建
// 和累加，数据被丢弃但不影响决策路径。
type OTelEmitter struct {
	includeRunID bool
	provider     metric.MeterProvider

	costTotal    metric.Float64Counter
	costModel    metric.Float64Counter
	costTool     metric.Float64Counter
	tokensInput  metric.Int64Counter
	tokensOutput metric.Int64Counter
	iterations   metric.Int64Counter
	toolCalls    metric.Int64Counter
	runs         metric.Int64Counter
	downgrades   metric.Int64Counter
	rejections   metric.Int64Counter
	halts        metric.Int64Counter
}

// OTelOption 配置 OTelEmitter。
type OTelOption func(*OTelEmitter)

// WithIncludeRunID 在指标维度中附加 run_id。run_id 基数高，只在
// 明确需要按运行下钻时开启。
func WithIncludeRunID(include bool) OTelOption {
	return func(e *OTelEmitter) {
		e.includeRunID = include
	}
}

// WithMeterProvider 指定 MeterProvider，缺省使用全局 provider。
func WithMeterProvider(provider metric.MeterProvider) OTelOption {
	return func(e *OTelEmitter) {
		if provider != nil {
			e.provider = provider
		}
	}
}

// NewOTelEmitter 创建 OpenTelemetry 指标发射器。
func NewOTelEmitter(opts ...OTelOption) (*OTelEmitter, error) {
	e := &OTelEmitter{}
	for _, opt := range opts {
		opt(e)
	}

	var meter metric.Meter
	if e.provider != nil {
		meter = e.provider.Meter(instrumentationName)
	} else {
		meter = otel.Meter(instrumentationName)
	}

	var err error

	e.costTotal, err = meter.Float64Counter(MetricCostTotal,
		metric.WithDescription("Total cost in currency units"),
		metric.WithUnit("{currency}"))
	if err != nil {
		return nil, err
	}

	e.costModel, err = meter.Float64Counter(MetricCostModel,
		metric.WithDescription("Cost per model in currency units"),
		metric.WithUnit("{currency}"))
	if err != nil {
		return nil, err
	}

	e.costTool, err = meter.Float64Counter(MetricCostTool,
		metric.WithDescription("Cost per tool in currency units"),
		metric.WithUnit("{currency}"))
	if err != nil {
		return nil, err
	}

	e.tokensInput, err = meter.Int64Counter(MetricTokensInput,
		metric.WithDescription("Total input tokens"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	e.tokensOutput, err = meter.Int64Counter(MetricTokensOutput,
		metric.WithDescription("Total output tokens"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	e.iterations, err = meter.Int64Counter(MetricAgentIterations,
		metric.WithDescription("Total agent loop iterations"),
		metric.WithUnit("{iteration}"))
	if err != nil {
		return nil, err
	}

	e.toolCalls, err = meter.Int64Counter(MetricAgentToolCalls,
		metric.WithDescription("Total tool calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	e.runs, err = meter.Int64Counter(MetricAgentRuns,
		metric.WithDescription("Total agent runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	e.downgrades, err = meter.Int64Counter(MetricDowngradeEvents,
		metric.WithDescription("Model downgrade events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	e.rejections, err = meter.Int64Counter(MetricRejectionEvents,
		metric.WithDescription("Run rejection events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	e.halts, err = meter.Int64Counter(MetricHaltEvents,
		metric.WithDescription("Run halt events"),
		metric.WithUnit("{event}"))
	if err != nil {
		return nil, err
	}

	return e, nil
}

func (e *OTelEmitter) baseAttrs(rc types.RunContext) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("costguard.tenant_id", rc.TenantID),
		attribute.String("costguard.strand_id", rc.StrandID),
		attribute.String("costguard.workflow_id", rc.WorkflowID),
	}
	if e.includeRunID {
		attrs = append(attrs, attribute.String("costguard.run_id", rc.RunID))
	}
	return attrs
}

// RunStarted 记录一次运行注册。
func (e *OTelEmitter) RunStarted(ctx context.Context, rc types.RunContext) {
	attrs := append(e.baseAttrs(rc), attribute.String("costguard.event", "start"))
	e.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RunEnded 记录一次运行结束及其总成本与 token 量。
func (e *OTelEmitter) RunEnded(ctx context.Context, rs *types.RunState) {
	attrs := append(e.baseAttrs(rs.Context),
		attribute.String("costguard.event", "end"),
		attribute.String("costguard.status", string(rs.Status)))
	opt := metric.WithAttributes(attrs...)

	e.runs.Add(ctx, 1, opt)
	if rs.TotalCost > 0 {
		e.costTotal.Add(ctx, rs.TotalCost, opt)
	}
	if rs.TotalInputTokens > 0 {
		e.tokensInput.Add(ctx, rs.TotalInputTokens, opt)
	}
	if rs.TotalOutputTokens > 0 {
		e.tokensOutput.Add(ctx, rs.TotalOutputTokens, opt)
	}
}

// ModelCost 记录一次模型调用的成本与 token 量。
func (e *OTelEmitter) ModelCost(ctx context.Context, rc types.RunContext, usage types.ModelUsage) {
	attrs := append(e.baseAttrs(rc), attribute.String("genai.model.name", usage.ModelName))
	opt := metric.WithAttributes(attrs...)

	if usage.Cost > 0 {
		e.costModel.Add(ctx, usage.Cost, opt)
	}
	if usage.PromptTokens > 0 {
		e.tokensInput.Add(ctx, usage.PromptTokens, opt)
	}
	if usage.CompletionTokens > 0 {
		e.tokensOutput.Add(ctx, usage.CompletionTokens, opt)
	}
}

// ToolCost 记录一次工具调用及其成本。
func (e *OTelEmitter) ToolCost(ctx context.Context, rc types.RunContext, usage types.ToolUsage) {
	attrs := append(e.baseAttrs(rc), attribute.String("costguard.tool.name", usage.ToolName))
	opt := metric.WithAttributes(attrs...)

	e.toolCalls.Add(ctx, 1, opt)
	if usage.Cost > 0 {
		e.costTool.Add(ctx, usage.Cost, opt)
	}
}

// IterationCompleted 记录一次迭代完成。
func (e *OTelEmitter) IterationCompleted(ctx context.Context, rc types.RunContext, iterationIdx int) {
	attrs := append(e.baseAttrs(rc), attribute.Int("costguard.iteration_idx", iterationIdx))
	e.iterations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Downgrade 记录一次模型降级事件。
func (e *OTelEmitter) Downgrade(ctx context.Context, rc types.RunContext, original, fallback, reason string) {
	attrs := append(e.baseAttrs(rc),
		attribute.String("genai.model.original", original),
		attribute.String("genai.model.fallback", fallback),
		attribute.String("costguard.reason", truncateReason(reason)))
	e.downgrades.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Rejection 记录一次运行或调用被拒绝的事件。
func (e *OTelEmitter) Rejection(ctx context.Context, rc types.RunContext, reason string) {
	attrs := append(e.baseAttrs(rc), attribute.String("costguard.reason", truncateReason(reason)))
	e.rejections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// Halt 记录一次运行被中止的事件。
func (e *OTelEmitter) Halt(ctx context.Context, rc types.RunContext, reason string) {
	attrs := append(e.baseAttrs(rc), attribute.String("costguard.reason", truncateReason(reason)))
	e.halts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

var _ Emitter = (*OTelEmitter)(nil)
