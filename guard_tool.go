package costguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/types"
)

// BeforeToolCall decides whether one more tool call is allowed. Tool
// call ceilings come from budget constraints and apply regardless of
// enforcement.
func (g *Guard) BeforeToolCall(ctx context.Context, runID, toolName string) types.ToolDecision {
	rs, ok := g.tracker.RunSnapshot(runID)
	if !ok {
		g.logger.Warn("before_tool_call called for unknown run",
			zap.String("run_id", runID), zap.String("tool", toolName))
		return types.AllowTool(nil)
	}
	budgets := g.runBudgetsFor(runID)

	for _, b := range budgets {
		if maxCalls := g.maxToolCallsFor(b); rs.TotalToolCalls >= maxCalls {
			return types.RejectTool(fmt.Sprintf("max tool calls (%d) exceeded", maxCalls))
		}
	}

	var remaining *int
	for _, b := range budgets {
		left := g.maxToolCallsFor(b) - rs.TotalToolCalls
		if remaining == nil || left < *remaining {
			remaining = &left
		}
	}
	return types.AllowTool(remaining)
}

// AfterToolCall accrues one completed tool call. A zero cost is filled
// from the pricing table; usage.ToolName attributes the cost and bumps
// the run's tool call counter even when the tool is free.
func (g *Guard) AfterToolCall(ctx context.Context, runID string, usage types.ToolUsage) types.ToolUsage {
	if usage.Cost == 0 {
		usage.Cost = g.store.Snapshot().Pricing().CostForToolUsage(usage)
	}

	g.tracker.UpdateRunCost(runID, budget.RunCostUpdate{
		ToolName: usage.ToolName,
		ToolCost: usage.Cost,
	})

	if rs, ok := g.tracker.RunSnapshot(runID); ok {
		g.emitter.ToolCost(ctx, rs.Context, usage)
	}
	return usage
}
