package policy

import (
	"fmt"
)

// Stage labels the semantic phase of an agent loop a model call
// belongs to.
const (
	StagePlanning      = "planning"
	StageToolSelection = "tool_selection"
	StageSynthesis     = "synthesis"
	StageOther         = "other"
)

// DefaultModel is used when a routing document names none.
const DefaultModel = "gpt-4o-mini"

// Signals carries the runtime observations a downgrade trigger is
// evaluated against. Nil pointers mean the signal is unavailable.
type Signals struct {
	SoftThresholdExceeded bool
	RemainingBudget       *float64
	IterationCount        int
	AvgLatencyMS          *float64
}

// DowngradeTrigger fires when any of its set conditions is satisfied.
type DowngradeTrigger struct {
	SoftThresholdExceeded bool
	RemainingBudgetBelow  *float64
	IterationCountAbove   *int
	LatencyAboveMS        *float64
}

// ShouldDowngrade evaluates the trigger conditions in order and
// returns the reason of the first one satisfied. Conditions whose
// signal is unavailable are skipped.
func (t *DowngradeTrigger) ShouldDowngrade(sig Signals) (bool, string) {
	if t == nil {
		return false, ""
	}
	if t.SoftThresholdExceeded && sig.SoftThresholdExceeded {
		return true, "soft budget threshold exceeded"
	}
	if t.RemainingBudgetBelow != nil && sig.RemainingBudget != nil && *sig.RemainingBudget < *t.RemainingBudgetBelow {
		return true, fmt.Sprintf("remaining budget (%.2f) below threshold (%.2f)", *sig.RemainingBudget, *t.RemainingBudgetBelow)
	}
	if t.IterationCountAbove != nil && sig.IterationCount > *t.IterationCountAbove {
		return true, fmt.Sprintf("iteration count (%d) above threshold (%d)", sig.IterationCount, *t.IterationCountAbove)
	}
	if t.LatencyAboveMS != nil && sig.AvgLatencyMS != nil && *sig.AvgLatencyMS > *t.LatencyAboveMS {
		return true, fmt.Sprintf("average latency (%.0fms) above threshold (%.0fms)", *sig.AvgLatencyMS, *t.LatencyAboveMS)
	}
	return false, ""
}

// StageConfig selects models for one stage of the loop. MaxTokens of
// zero means no cap.
type StageConfig struct {
	Stage         string
	DefaultModel  string
	FallbackModel string
	MaxTokens     int
	Temperature   *float64
	Trigger       *DowngradeTrigger
}

// RoutingPolicy is a fully resolved routing policy. Immutable after
// load. Stage order is preserved from the document; the first config
// matching a stage name wins.
type RoutingPolicy struct {
	ID           string
	Match        Match
	Stages       []StageConfig
	DefaultModel string
	Enabled      bool
}

// Priority orders routing policies by match specificity. Higher wins.
func (p *RoutingPolicy) Priority() int {
	return p.Match.SpecificityScore()
}

// MatchesContext reports whether this policy applies. Disabled
// policies never match.
func (p *RoutingPolicy) MatchesContext(tenantID, strandID, workflowID string) bool {
	return p.Enabled && p.Match.Matches(tenantID, strandID, workflowID)
}

// StageFor returns the first stage config with the given name.
func (p *RoutingPolicy) StageFor(stage string) (StageConfig, bool) {
	for _, sc := range p.Stages {
		if sc.Stage == stage {
			return sc, true
		}
	}
	return StageConfig{}, false
}

// TriggerDoc is the YAML/JSON shape of a downgrade trigger. An absent
// soft_threshold_exceeded defaults to true, matching the documented
// behavior that a declared trigger reacts to soft thresholds unless
// told otherwise.
type TriggerDoc struct {
	SoftThresholdExceeded *bool    `yaml:"soft_threshold_exceeded" json:"soft_threshold_exceeded"`
	RemainingBudgetBelow  *float64 `yaml:"remaining_budget_below" json:"remaining_budget_below"`
	IterationCountAbove   *int     `yaml:"iteration_count_above" json:"iteration_count_above"`
	LatencyAboveMS        *float64 `yaml:"latency_above_ms" json:"latency_above_ms"`
}

// StageDoc is the YAML/JSON shape of one stage entry.
type StageDoc struct {
	Stage         string      `yaml:"stage" json:"stage"`
	DefaultModel  string      `yaml:"default_model" json:"default_model"`
	FallbackModel string      `yaml:"fallback_model" json:"fallback_model"`
	MaxTokens     int         `yaml:"max_tokens" json:"max_tokens"`
	Temperature   *float64    `yaml:"temperature" json:"temperature"`
	Trigger       *TriggerDoc `yaml:"trigger_downgrade_on" json:"trigger_downgrade_on"`
}

// RoutingDoc is the YAML/JSON shape of one routing policy entry.
type RoutingDoc struct {
	ID           string     `yaml:"id" json:"id"`
	Match        Match      `yaml:"match" json:"match"`
	Stages       []StageDoc `yaml:"stages" json:"stages"`
	DefaultModel string     `yaml:"default_model" json:"default_model"`
	Enabled      *bool      `yaml:"enabled" json:"enabled"`
}

var knownStages = map[string]struct{}{
	StagePlanning:      {},
	StageToolSelection: {},
	StageSynthesis:     {},
	StageOther:         {},
}

// RoutingPolicyFromDoc converts a raw document into a validated
// policy, applying documented defaults. Unknown stage names are load
// errors.
func RoutingPolicyFromDoc(doc RoutingDoc) (RoutingPolicy, error) {
	if doc.ID == "" {
		return RoutingPolicy{}, fmt.Errorf("routing policy missing id")
	}

	stages := make([]StageConfig, 0, len(doc.Stages))
	for _, sd := range doc.Stages {
		if _, ok := knownStages[sd.Stage]; !ok {
			return RoutingPolicy{}, fmt.Errorf("routing policy %q: unknown stage %q", doc.ID, sd.Stage)
		}
		if sd.MaxTokens < 0 {
			return RoutingPolicy{}, fmt.Errorf("routing policy %q: stage %q: negative max_tokens", doc.ID, sd.Stage)
		}
		sc := StageConfig{
			Stage:         sd.Stage,
			DefaultModel:  sd.DefaultModel,
			FallbackModel: sd.FallbackModel,
			MaxTokens:     sd.MaxTokens,
			Temperature:   sd.Temperature,
		}
		if sd.Trigger != nil {
			onSoft := true
			if sd.Trigger.SoftThresholdExceeded != nil {
				onSoft = *sd.Trigger.SoftThresholdExceeded
			}
			sc.Trigger = &DowngradeTrigger{
				SoftThresholdExceeded: onSoft,
				RemainingBudgetBelow:  sd.Trigger.RemainingBudgetBelow,
				IterationCountAbove:   sd.Trigger.IterationCountAbove,
				LatencyAboveMS:        sd.Trigger.LatencyAboveMS,
			}
		}
		stages = append(stages, sc)
	}

	defaultModel := doc.DefaultModel
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	enabled := true
	if doc.Enabled != nil {
		enabled = *doc.Enabled
	}

	return RoutingPolicy{
		ID:           doc.ID,
		Match:        doc.Match.normalized(),
		Stages:       stages,
		DefaultModel: defaultModel,
		Enabled:      enabled,
	}, nil
}
