package costguard

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/router"
	"github.com/BaSui01/costguard/types"
)

// Guard satisfies the router call-wrapper hook contract.
var _ router.Hooks = (*Guard)(nil)

// BeforeModelCall decides the effective model and token ceiling for one
// model call. Token-budget exhaustion rejects only when enforcement is
// on and only on tokens already accrued; a pre-flight estimate can at
// most tighten max_tokens and attach a cost warning.
func (g *Guard) BeforeModelCall(ctx context.Context, req router.ModelCallRequest) types.ModelDecision {
	rs, ok := g.tracker.RunSnapshot(req.RunID)
	if !ok {
		g.logger.Warn("before_model_call called for unknown run", zap.String("run_id", req.RunID))
		return types.AllowModel(req.RequestedModel, 0)
	}
	rc := rs.Context
	budgets := g.runBudgetsFor(req.RunID)
	snap := g.store.Snapshot()

	if g.enforceBudgets {
		for _, b := range budgets {
			limit := b.Constraints.MaxModelTokensPerRun
			if limit == nil || *limit <= 0 {
				continue
			}
			if *limit-rs.TotalTokens() <= 0 {
				return types.RejectModel(fmt.Sprintf("Token limit (%d) exceeded for run", *limit))
			}
		}
	}

	var rp *policy.RoutingPolicy
	if g.enableRouting {
		rp = snap.RoutingPolicyFor(rc.TenantID, rc.StrandID, rc.WorkflowID)
	}

	var evals []budget.Evaluation
	if len(budgets) > 0 && (rp != nil || (g.enforceBudgets && req.PromptTokensEstimate > 0)) {
		var err error
		evals, err = g.tracker.EvaluateBudgets(ctx, rc.TenantID, rc.StrandID, rc.WorkflowID, budgets)
		if g.storeDegraded(err, "before_model_call") && g.enforceBudgets {
			return types.RejectModel(storeUnavailableReason)
		}
	}

	effective := req.RequestedModel
	maxTokens := 0
	wasDowngraded := false
	downgradeReason := ""

	if rp != nil {
		sig := policy.Signals{
			IterationCount: rs.CurrentIteration,
			AvgLatencyMS:   req.AvgLatencyMS,
		}
		for _, ev := range evals {
			if action, crossed := ev.Budget.CurrentThresholdAction(ev.Utilization); crossed && action == policy.ThresholdDowngradeModel {
				sig.SoftThresholdExceeded = true
			}
			if ev.RemainingBudget != nil && (sig.RemainingBudget == nil || *ev.RemainingBudget < *sig.RemainingBudget) {
				v := *ev.RemainingBudget
				sig.RemainingBudget = &v
			}
		}
		sel := router.Select(rp, req.Stage, sig)
		effective = sel.Model
		maxTokens = sel.MaxTokens
		wasDowngraded = sel.WasDowngraded
		downgradeReason = sel.Reason
	}

	// remaining run tokens tighten whatever ceiling the stage set
	for _, b := range budgets {
		limit := b.Constraints.MaxModelTokensPerRun
		if limit == nil || *limit <= 0 {
			continue
		}
		left := *limit - rs.TotalTokens()
		if left <= 0 {
			continue
		}
		if maxTokens == 0 || int(left) < maxTokens {
			maxTokens = int(left)
		}
	}

	var warnings []string
	if g.enforceBudgets && req.PromptTokensEstimate > 0 {
		est := snap.Pricing().EstimateModelCost(effective, int64(req.PromptTokensEstimate), 0)
		for _, ev := range evals {
			if ev.RemainingBudget != nil && est > *ev.RemainingBudget {
				warnings = append(warnings, fmt.Sprintf(
					"Estimated cost ($%.4f) exceeds remaining budget ($%.4f)", est, *ev.RemainingBudget))
			}
		}
	}

	if wasDowngraded {
		g.logger.Info("model downgraded",
			zap.String("run_id", req.RunID),
			zap.String("stage", req.Stage),
			zap.String("original", req.RequestedModel),
			zap.String("fallback", effective),
			zap.String("reason", downgradeReason))
		g.emitter.Downgrade(ctx, rc, req.RequestedModel, effective, downgradeReason)
		return types.DowngradeModel(req.RequestedModel, effective, downgradeReason, maxTokens)
	}

	dec := types.AllowModel(effective, maxTokens)
	dec.Warnings = warnings
	return dec
}

// AfterModelCall accrues one completed model call. A zero cost is
// filled from the pricing table before accrual; the returned usage
// carries the filled cost.
func (g *Guard) AfterModelCall(ctx context.Context, runID string, usage types.ModelUsage) types.ModelUsage {
	if usage.Cost == 0 {
		usage.Cost = g.store.Snapshot().Pricing().CostForModelUsage(usage)
	}

	g.tracker.UpdateRunCost(runID, budget.RunCostUpdate{
		ModelName:    usage.ModelName,
		ModelCost:    usage.Cost,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	})

	if rs, ok := g.tracker.RunSnapshot(runID); ok {
		g.emitter.ModelCost(ctx, rs.Context, usage)
	}
	return usage
}
