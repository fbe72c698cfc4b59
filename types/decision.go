package types

import "fmt"

// DecisionAction classifies the outcome of a lifecycle hook.
type DecisionAction string

const (
	ActionAllow     DecisionAction = "allow"
	ActionReject    DecisionAction = "reject"
	ActionDowngrade DecisionAction = "downgrade"
	ActionLimit     DecisionAction = "limit"
	ActionHalt      DecisionAction = "halt"
	ActionLogOnly   DecisionAction = "log_only"
)

// Overrides carries host-visible behavior overrides attached to a decision.
// The host must honor ForceTerminateRun and SkipToolCall; ModelName and
// MaxTokensRemaining are the routing substitution and token ceiling.
type Overrides struct {
	ModelName          string `json:"model_name,omitempty"`
	MaxTokensRemaining int    `json:"max_tokens_remaining,omitempty"`
	ForceTerminateRun  bool   `json:"force_terminate_run,omitempty"`
	SkipToolCall       bool   `json:"skip_tool_call,omitempty"`
	FallbackResponse   string `json:"fallback_response,omitempty"`
}

// AdmissionDecision is the result of the run admission hook.
type AdmissionDecision struct {
	Allowed           bool           `json:"allowed"`
	Action            DecisionAction `json:"action"`
	Reason            string         `json:"reason,omitempty"`
	RemainingBudget   *float64       `json:"remaining_budget,omitempty"`
	BudgetUtilization float64        `json:"budget_utilization"`
	Warnings          []string       `json:"warnings,omitempty"`
}

// Admit builds an allowing AdmissionDecision.
func Admit(remainingBudget *float64, utilization float64, warnings []string) AdmissionDecision {
	return AdmissionDecision{
		Allowed:           true,
		Action:            ActionAllow,
		RemainingBudget:   remainingBudget,
		BudgetUtilization: utilization,
		Warnings:          warnings,
	}
}

// RejectAdmission builds a rejecting AdmissionDecision.
func RejectAdmission(reason string) AdmissionDecision {
	return AdmissionDecision{
		Allowed: false,
		Action:  ActionReject,
		Reason:  reason,
	}
}

// IterationDecision is the result of the before-iteration hook.
type IterationDecision struct {
	Allowed             bool           `json:"allowed"`
	Action              DecisionAction `json:"action"`
	Reason              string         `json:"reason,omitempty"`
	RemainingIterations *int           `json:"remaining_iterations,omitempty"`
	Warnings            []string       `json:"warnings,omitempty"`
	Overrides           Overrides      `json:"overrides"`
}

// ProceedIteration builds an allowing IterationDecision.
func ProceedIteration(remainingIterations *int, warnings []string) IterationDecision {
	return IterationDecision{
		Allowed:             true,
		Action:              ActionAllow,
		RemainingIterations: remainingIterations,
		Warnings:            warnings,
	}
}

// HaltIteration builds a halting IterationDecision. The host must stop
// the run: ForceTerminateRun is set.
func HaltIteration(reason string) IterationDecision {
	return IterationDecision{
		Allowed:   false,
		Action:    ActionHalt,
		Reason:    reason,
		Overrides: Overrides{ForceTerminateRun: true},
	}
}

// ModelDecision is the result of the before-model-call hook.
type ModelDecision struct {
	Allowed        bool           `json:"allowed"`
	Action         DecisionAction `json:"action"`
	EffectiveModel string         `json:"effective_model,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	WasDowngraded  bool           `json:"was_downgraded"`
	Reason         string         `json:"reason,omitempty"`
	Warnings       []string       `json:"warnings,omitempty"`
	Overrides      Overrides      `json:"overrides"`
}

// AllowModel builds an allowing ModelDecision for the requested model.
// maxTokens == 0 means no ceiling.
func AllowModel(model string, maxTokens int) ModelDecision {
	return ModelDecision{
		Allowed:        true,
		Action:         ActionAllow,
		EffectiveModel: model,
		MaxTokens:      maxTokens,
		Overrides:      Overrides{MaxTokensRemaining: maxTokens},
	}
}

// DowngradeModel builds an allowing ModelDecision that substitutes
// fallback for original. The override's ModelName is the model the host
// must call.
func DowngradeModel(original, fallback, reason string, maxTokens int) ModelDecision {
	return ModelDecision{
		Allowed:        true,
		Action:         ActionDowngrade,
		EffectiveModel: fallback,
		MaxTokens:      maxTokens,
		WasDowngraded:  true,
		Reason:         reason,
		Warnings:       []string{fmt.Sprintf("Downgraded from %s to %s: %s", original, fallback, reason)},
		Overrides:      Overrides{ModelName: fallback, MaxTokensRemaining: maxTokens},
	}
}

// RejectModel builds a rejecting ModelDecision.
func RejectModel(reason string) ModelDecision {
	return ModelDecision{
		Allowed: false,
		Action:  ActionReject,
		Reason:  reason,
	}
}

// ToolDecision is the result of the before-tool-call hook.
type ToolDecision struct {
	Allowed            bool           `json:"allowed"`
	Action             DecisionAction `json:"action"`
	Reason             string         `json:"reason,omitempty"`
	RemainingToolCalls *int           `json:"remaining_tool_calls,omitempty"`
	Warnings           []string       `json:"warnings,omitempty"`
	Overrides          Overrides      `json:"overrides"`
}

// AllowTool builds an allowing ToolDecision.
func AllowTool(remainingToolCalls *int) ToolDecision {
	return ToolDecision{
		Allowed:            true,
		Action:             ActionAllow,
		RemainingToolCalls: remainingToolCalls,
	}
}

// RejectTool builds a rejecting ToolDecision. SkipToolCall tells the
// host to drop the call instead of failing the run.
func RejectTool(reason string) ToolDecision {
	return ToolDecision{
		Allowed:   false,
		Action:    ActionReject,
		Reason:    reason,
		Overrides: Overrides{SkipToolCall: true},
	}
}
