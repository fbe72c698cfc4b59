package costguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/types"
)

// AdmitRun decides whether a new run may start. An empty runID is
// replaced with a generated UUID; the decision does not echo it, so
// callers that rely on generated IDs should pass their own.
//
// With enforcement disabled the run is registered and admitted
// unconditionally; costs still accrue so history is complete when
// enforcement is turned on later.
func (g *Guard) AdmitRun(ctx context.Context, tenantID, strandID, workflowID, runID string, metadata map[string]string) types.AdmissionDecision {
	rc := types.NewRunContext(tenantID, strandID, workflowID, runID, metadata)
	budgets := g.store.Snapshot().BudgetsFor(tenantID, strandID, workflowID)

	if !g.enforceBudgets {
		g.register(ctx, rc, budgets)
		g.emitter.RunStarted(ctx, rc)
		return types.Admit(nil, 0, nil)
	}

	violations, err := g.tracker.CheckBudgetLimits(ctx, tenantID, strandID, workflowID, budgets)
	if g.storeDegraded(err, "admit_run") {
		g.emitter.Rejection(ctx, rc, storeUnavailableReason)
		return types.RejectAdmission(storeUnavailableReason)
	}
	// budgets arrive sorted by specificity, so the first rejecting
	// violation is the most specific one
	for _, v := range violations {
		if v.Budget.OnHardLimitExceeded == policy.HardLimitRejectNewRuns {
			g.logger.Info("run rejected",
				zap.String("run_id", rc.RunID),
				zap.String("tenant_id", tenantID),
				zap.String("reason", v.Reason))
			g.emitter.Rejection(ctx, rc, v.Reason)
			return types.RejectAdmission(v.Reason)
		}
	}

	g.register(ctx, rc, budgets)

	evals, err := g.tracker.EvaluateBudgets(ctx, tenantID, strandID, workflowID, budgets)
	if err != nil {
		// informational fields only; the admission itself stands
		g.logger.Warn("budget evaluation degraded during admission",
			zap.String("run_id", rc.RunID), zap.Error(err))
	}

	var remaining *float64
	var utilization float64
	var warnings []string
	for _, ev := range evals {
		if ev.Budget.MaxCost != nil {
			if ev.RemainingBudget != nil && (remaining == nil || *ev.RemainingBudget < *remaining) {
				v := *ev.RemainingBudget
				remaining = &v
			}
			if ev.Utilization > utilization {
				utilization = ev.Utilization
			}
		}
		if action, crossed := ev.Budget.CurrentThresholdAction(ev.Utilization); crossed && action != policy.ThresholdLogOnly {
			warnings = append(warnings, fmt.Sprintf("Budget %s at %.1f%% utilization", ev.Budget.ID, ev.Utilization*100))
		}
	}

	g.emitter.RunStarted(ctx, rc)
	return types.Admit(remaining, utilization, warnings)
}

// EndRun transitions a run to its terminal status, commits its totals
// into every applicable period, and destroys the run state. Idempotent:
// a second call for the same run is a logged no-op.
func (g *Guard) EndRun(ctx context.Context, runID string, status types.RunStatus) {
	budgets := g.takeRunBudgets(runID)
	rs, err := g.tracker.UnregisterRun(ctx, runID, status, budgets)
	if err != nil {
		g.logger.Warn("budget store degraded during run end, totals committed in memory",
			zap.String("run_id", runID), zap.Error(err))
	}
	if rs == nil {
		return
	}

	g.logger.Info("run ended",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Float64("total_cost", rs.TotalCost),
		zap.Int64("total_tokens", rs.TotalTokens()))
	g.emitter.RunEnded(ctx, rs)
	if g.recorder != nil {
		g.recorder.RecordRunEnd(rs)
	}
}

// register records the run with the tracker and pins its budget set.
// Store soft failures are logged and never block registration.
func (g *Guard) register(ctx context.Context, rc types.RunContext, budgets []*policy.BudgetSpec) {
	rs := types.NewRunState(rc)
	if err := g.tracker.RegisterRun(ctx, rs, budgets); err != nil {
		g.logger.Warn("budget store degraded during registration",
			zap.String("run_id", rc.RunID), zap.Error(err))
	}
	g.setRunBudgets(rc.RunID, budgets)
}

func (g *Guard) setRunBudgets(runID string, budgets []*policy.BudgetSpec) {
	g.mu.Lock()
	g.runBudgets[runID] = budgets
	g.mu.Unlock()
}

func (g *Guard) runBudgetsFor(runID string) []*policy.BudgetSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.runBudgets[runID]
}

func (g *Guard) takeRunBudgets(runID string) []*policy.BudgetSpec {
	g.mu.Lock()
	defer g.mu.Unlock()
	budgets := g.runBudgets[runID]
	delete(g.runBudgets, runID)
	return budgets
}
