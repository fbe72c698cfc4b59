package policy

import (
	"fmt"
)

// Scope determines the aggregation bucket a budget accounts against.
type Scope string

const (
	ScopeGlobal   Scope = "global"
	ScopeTenant   Scope = "tenant"
	ScopeStrand   Scope = "strand"
	ScopeWorkflow Scope = "workflow"
)

// scopeWeight orders scopes from general to specific for priority math.
var scopeWeight = map[Scope]int{
	ScopeGlobal:   0,
	ScopeTenant:   10,
	ScopeStrand:   20,
	ScopeWorkflow: 30,
}

// Period is the time window over which a budget aggregates spend.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ThresholdAction is taken when utilization crosses a soft threshold.
type ThresholdAction string

const (
	ThresholdLogOnly           ThresholdAction = "LOG_ONLY"
	ThresholdDowngradeModel    ThresholdAction = "DOWNGRADE_MODEL"
	ThresholdLimitCapabilities ThresholdAction = "LIMIT_CAPABILITIES"
	ThresholdHaltNewRuns       ThresholdAction = "HALT_NEW_RUNS"
)

// HardLimitAction is taken when utilization reaches 1.0 on a hard budget.
type HardLimitAction string

const (
	HardLimitHaltRun       HardLimitAction = "HALT_RUN"
	HardLimitRejectNewRuns HardLimitAction = "REJECT_NEW_RUNS"
)

// Wildcard matches any value in a Match field.
const Wildcard = "*"

// Match is the three-field context selector of a policy. Empty fields
// are normalized to the wildcard at load time.
type Match struct {
	TenantID   string `yaml:"tenant_id" json:"tenant_id"`
	StrandID   string `yaml:"strand_id" json:"strand_id"`
	WorkflowID string `yaml:"workflow_id" json:"workflow_id"`
}

// Matches reports whether every field is the wildcard or equals the
// corresponding context field.
func (m Match) Matches(tenantID, strandID, workflowID string) bool {
	if m.TenantID != Wildcard && m.TenantID != tenantID {
		return false
	}
	if m.StrandID != Wildcard && m.StrandID != strandID {
		return false
	}
	if m.WorkflowID != Wildcard && m.WorkflowID != workflowID {
		return false
	}
	return true
}

// SpecificityScore orders matches: workflow(4) + strand(2) + tenant(1).
func (m Match) SpecificityScore() int {
	score := 0
	if m.TenantID != Wildcard {
		score += 1
	}
	if m.StrandID != Wildcard {
		score += 2
	}
	if m.WorkflowID != Wildcard {
		score += 4
	}
	return score
}

// normalized fills empty match fields with the wildcard.
func (m Match) normalized() Match {
	if m.TenantID == "" {
		m.TenantID = Wildcard
	}
	if m.StrandID == "" {
		m.StrandID = Wildcard
	}
	if m.WorkflowID == "" {
		m.WorkflowID = Wildcard
	}
	return m
}

// Constraints are per-run ceilings carried by a budget. Nil means the
// guard's configured default applies.
type Constraints struct {
	MaxIterationsPerRun  *int     `yaml:"max_iterations_per_run,omitempty" json:"max_iterations_per_run,omitempty"`
	MaxToolCallsPerRun   *int     `yaml:"max_tool_calls_per_run,omitempty" json:"max_tool_calls_per_run,omitempty"`
	MaxModelTokensPerRun *int64   `yaml:"max_model_tokens_per_run,omitempty" json:"max_model_tokens_per_run,omitempty"`
	MaxCostPerRun        *float64 `yaml:"max_cost_per_run,omitempty" json:"max_cost_per_run,omitempty"`
}

// BudgetSpec is a fully resolved budget policy. Immutable after load.
type BudgetSpec struct {
	ID                      string
	Scope                   Scope
	Match                   Match
	Period                  Period
	MaxCost                 *float64
	SoftThresholds          []float64
	HardLimit               bool
	OnSoftThresholdExceeded ThresholdAction
	OnHardLimitExceeded     HardLimitAction
	MaxRunsPerPeriod        *int
	MaxConcurrentRuns       *int
	Constraints             Constraints
	Enabled                 bool
}

// DefaultSoftThresholds applies when a budget document names none.
func DefaultSoftThresholds() []float64 {
	return []float64{0.7, 0.9, 1.0}
}

// Priority combines the scope weight with the match specificity.
// Higher values win.
func (b *BudgetSpec) Priority() int {
	return scopeWeight[b.Scope] + b.Match.SpecificityScore()
}

// MatchesContext reports whether this budget applies. Disabled budgets
// never match.
func (b *BudgetSpec) MatchesContext(tenantID, strandID, workflowID string) bool {
	return b.Enabled && b.Match.Matches(tenantID, strandID, workflowID)
}

// CurrentThresholdAction returns the configured soft action when the
// utilization has crossed any soft threshold.
func (b *BudgetSpec) CurrentThresholdAction(utilization float64) (ThresholdAction, bool) {
	for _, t := range b.SoftThresholds {
		if utilization >= t {
			return b.OnSoftThresholdExceeded, true
		}
	}
	return "", false
}

// IsHardLimitExceeded reports whether the hard cost ceiling is hit.
// Budgets without hard_limit (or without max_cost) never trip it.
func (b *BudgetSpec) IsHardLimitExceeded(utilization float64) bool {
	return b.HardLimit && utilization >= 1.0
}

// BudgetDoc is the YAML/JSON shape of one budget entry as a source
// yields it. Pointer fields distinguish absent from zero so defaults
// apply correctly.
type BudgetDoc struct {
	ID                      string      `yaml:"id" json:"id"`
	Scope                   string      `yaml:"scope" json:"scope"`
	Match                   Match       `yaml:"match" json:"match"`
	Period                  string      `yaml:"period" json:"period"`
	MaxCost                 *float64    `yaml:"max_cost" json:"max_cost"`
	SoftThresholds          []float64   `yaml:"soft_thresholds" json:"soft_thresholds"`
	HardLimit               *bool       `yaml:"hard_limit" json:"hard_limit"`
	OnSoftThresholdExceeded string      `yaml:"on_soft_threshold_exceeded" json:"on_soft_threshold_exceeded"`
	OnHardLimitExceeded     string      `yaml:"on_hard_limit_exceeded" json:"on_hard_limit_exceeded"`
	MaxRunsPerPeriod        *int        `yaml:"max_runs_per_period" json:"max_runs_per_period"`
	MaxConcurrentRuns       *int        `yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	Constraints             Constraints `yaml:"constraints" json:"constraints"`
	Enabled                 *bool       `yaml:"enabled" json:"enabled"`
}

// BudgetSpecFromDoc converts a raw document into a validated spec,
// applying documented defaults. Unknown scope or action values are load
// errors; unknown extra fields were already dropped by the decoder.
func BudgetSpecFromDoc(doc BudgetDoc) (BudgetSpec, error) {
	if doc.ID == "" {
		return BudgetSpec{}, fmt.Errorf("budget missing id")
	}

	scope := Scope(doc.Scope)
	if doc.Scope == "" {
		scope = ScopeTenant
	}
	if _, ok := scopeWeight[scope]; !ok {
		return BudgetSpec{}, fmt.Errorf("budget %q: unknown scope %q", doc.ID, doc.Scope)
	}

	period := Period(doc.Period)
	if doc.Period == "" {
		period = PeriodMonthly
	}
	switch period {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
	default:
		return BudgetSpec{}, fmt.Errorf("budget %q: unknown period %q", doc.ID, doc.Period)
	}

	soft := doc.SoftThresholds
	if soft == nil {
		soft = DefaultSoftThresholds()
	}
	for _, t := range soft {
		if t <= 0 || t > 1 {
			return BudgetSpec{}, fmt.Errorf("budget %q: soft threshold %v outside (0, 1]", doc.ID, t)
		}
	}

	onSoft := ThresholdAction(doc.OnSoftThresholdExceeded)
	if doc.OnSoftThresholdExceeded == "" {
		onSoft = ThresholdLogOnly
	}
	switch onSoft {
	case ThresholdLogOnly, ThresholdDowngradeModel, ThresholdLimitCapabilities, ThresholdHaltNewRuns:
	default:
		return BudgetSpec{}, fmt.Errorf("budget %q: unknown soft threshold action %q", doc.ID, doc.OnSoftThresholdExceeded)
	}

	onHard := HardLimitAction(doc.OnHardLimitExceeded)
	if doc.OnHardLimitExceeded == "" {
		onHard = HardLimitRejectNewRuns
	}
	switch onHard {
	case HardLimitHaltRun, HardLimitRejectNewRuns:
	default:
		return BudgetSpec{}, fmt.Errorf("budget %q: unknown hard limit action %q", doc.ID, doc.OnHardLimitExceeded)
	}

	hardLimit := true
	if doc.HardLimit != nil {
		hardLimit = *doc.HardLimit
	}
	enabled := true
	if doc.Enabled != nil {
		enabled = *doc.Enabled
	}

	return BudgetSpec{
		ID:                      doc.ID,
		Scope:                   scope,
		Match:                   doc.Match.normalized(),
		Period:                  period,
		MaxCost:                 doc.MaxCost,
		SoftThresholds:          soft,
		HardLimit:               hardLimit,
		OnSoftThresholdExceeded: onSoft,
		OnHardLimitExceeded:     onHard,
		MaxRunsPerPeriod:        doc.MaxRunsPerPeriod,
		MaxConcurrentRuns:       doc.MaxConcurrentRuns,
		Constraints:             doc.Constraints,
		Enabled:                 enabled,
	}, nil
}
