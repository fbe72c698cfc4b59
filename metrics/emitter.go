package metrics

import (
	"context"
	"unicode/utf8"

	"github.com/BaSui01/costguard/types"
)

// 指标名遵循 GenAI 语义约定。
const (
	MetricCostTotal       = "genai.cost.total"
	MetricCostModel       = "genai.cost.model"
	MetricCostTool        = "genai.cost.tool"
	MetricTokensInput     = "genai.tokens.input"
	MetricTokensOutput    = "genai.tokens.output"
	MetricAgentIterations = "genai.agent.iterations"
	MetricAgentToolCalls  = "genai.agent.tool_calls"
	MetricAgentRuns       = "genai.agent.runs"
	MetricDowngradeEvents = "genai.cost.downgrade_events"
	MetricRejectionEvents = "genai.cost.rejection_events"
	MetricHaltEvents      = "genai.cost.halt_events"
)

// maxReasonLen 是事件 reason 属性保留的最大字符数。
const maxReasonLen = 100

// Emitter 是指标发射接口。实现必须并发安全，且任何方法都不得
// 因发射失败影响调用方。
type Emitter interface {
	// RunStarted 记录一次运行注册。
	RunStarted(ctx context.Context, rc types.RunContext)

	// RunEnded 记录一次运行结束及其总成本与 token 量。
	RunEnded(ctx context.Context, rs *types.RunState)

	// ModelCost 记录一次模型调用的成本与 token 量。
	ModelCost(ctx context.Context, rc types.RunContext, usage types.ModelUsage)

	// ToolCost 记录一次工具调用及其成本。
	ToolCost(ctx context.Context, rc types.RunContext, usage types.ToolUsage)

	// IterationCompleted 记录一次迭代完成。
	IterationCompleted(ctx context.Context, rc types.RunContext, iterationIdx int)

	// Downgrade 记录一次模型降级事件。
	Downgrade(ctx context.Context, rc types.RunContext, original, fallback, reason string)

	// Rejection 记录一次运行或调用被拒绝的事件。
	Rejection(ctx context.Context, rc types.RunContext, reason string)

	// Halt 记录一次运行被中止的事件。
	Halt(ctx context.Context, rc types.RunContext, reason string)
}

// truncateReason 把 reason 截断到属性长度上限，按字符计。
func truncateReason(reason string) string {
	if utf8.RuneCountInString(reason) <= maxReasonLen {
		return reason
	}
	runes := []rune(reason)
	return string(runes[:maxReasonLen])
}

// NopEmitter 丢弃所有指标。
type NopEmitter struct{}

// Nop 返回空发射器。
func Nop() *NopEmitter { return &NopEmitter{} }

func (*NopEmitter) RunStarted(context.Context, types.RunContext)                       {}
func (*NopEmitter) RunEnded(context.Context, *types.RunState)                          {}
func (*NopEmitter) ModelCost(context.Context, types.RunContext, types.ModelUsage)      {}
func (*NopEmitter) ToolCost(context.Context, types.RunContext, types.ToolUsage)        {}
func (*NopEmitter) IterationCompleted(context.Context, types.RunContext, int)          {}
func (*NopEmitter) Downgrade(context.Context, types.RunContext, string, string, string) {}
func (*NopEmitter) Rejection(context.Context, types.RunContext, string)                {}
func (*NopEmitter) Halt(context.Context, types.RunContext, string)                     {}

var _ Emitter = (*NopEmitter)(nil)
