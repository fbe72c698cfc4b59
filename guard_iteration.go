package costguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/types"
)

// BeforeIteration decides whether the agent loop may start iteration
// iterationIdx (0-based). Iteration ceilings from budget constraints
// apply regardless of enforcement; hard cost limits halt the run only
// when enforcement is on.
func (g *Guard) BeforeIteration(ctx context.Context, runID string, iterationIdx int) types.IterationDecision {
	rs, ok := g.tracker.RunSnapshot(runID)
	if !ok {
		g.logger.Warn("before_iteration called for unknown run", zap.String("run_id", runID))
		return types.ProceedIteration(nil, nil)
	}
	rc := rs.Context
	budgets := g.runBudgetsFor(runID)

	for _, b := range budgets {
		if maxIter := g.maxIterationsFor(b); iterationIdx >= maxIter {
			reason := fmt.Sprintf("max iterations (%d) exceeded", maxIter)
			g.emitter.Halt(ctx, rc, reason)
			return types.HaltIteration(reason)
		}
	}

	var warnings []string
	if g.enforceBudgets && len(budgets) > 0 {
		evals, err := g.tracker.EvaluateBudgets(ctx, rc.TenantID, rc.StrandID, rc.WorkflowID, budgets)
		if g.storeDegraded(err, "before_iteration") {
			g.emitter.Halt(ctx, rc, storeUnavailableReason)
			return types.HaltIteration(storeUnavailableReason)
		}
		for _, ev := range evals {
			b := ev.Budget
			if b.IsHardLimitExceeded(ev.Utilization) && b.OnHardLimitExceeded == policy.HardLimitHaltRun {
				reason := fmt.Sprintf("Budget %s hard limit exceeded during run", b.ID)
				g.emitter.Halt(ctx, rc, reason)
				return types.HaltIteration(reason)
			}
			if _, crossed := b.CurrentThresholdAction(ev.Utilization); crossed {
				warnings = append(warnings, fmt.Sprintf("Budget %s at %.1f%%", b.ID, ev.Utilization*100))
			}
		}
	}

	var remaining *int
	for _, b := range budgets {
		left := g.maxIterationsFor(b) - iterationIdx
		if remaining == nil || left < *remaining {
			remaining = &left
		}
	}
	return types.ProceedIteration(remaining, warnings)
}

// AfterIteration advances the run's iteration counter to
// iterationIdx+1 and emits the iteration metric. Costs inside usage
// were already accrued by the per-call hooks and are not re-applied.
func (g *Guard) AfterIteration(ctx context.Context, runID string, iterationIdx int, usage types.IterationUsage) {
	if _, ok := g.tracker.AdvanceIteration(runID, iterationIdx); !ok {
		g.logger.Warn("after_iteration called for unknown run", zap.String("run_id", runID))
		return
	}
	rs, ok := g.tracker.RunSnapshot(runID)
	if !ok {
		return
	}
	g.logger.Debug("iteration completed",
		zap.String("run_id", runID),
		zap.Int("iteration_idx", iterationIdx),
		zap.Float64("iteration_cost", usage.TotalCost()),
		zap.Int64("iteration_tokens", usage.TotalTokens()))
	g.emitter.IterationCompleted(ctx, rs.Context, iterationIdx)
}
