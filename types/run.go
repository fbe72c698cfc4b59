package types

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle status of an agent run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusHalted    RunStatus = "halted"
	RunStatusRejected  RunStatus = "rejected"
)

// RunContext identifies one end-to-end agent run. Immutable once created;
// run_id uniqueness is the caller's responsibility.
type RunContext struct {
	TenantID   string            `json:"tenant_id"`
	StrandID   string            `json:"strand_id"`
	WorkflowID string            `json:"workflow_id"`
	RunID      string            `json:"run_id"`
	StartedAt  time.Time         `json:"started_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewRunContext creates a RunContext. An empty runID is replaced with a
// generated UUID.
func NewRunContext(tenantID, strandID, workflowID, runID string, metadata map[string]string) RunContext {
	if runID == "" {
		runID = uuid.NewString()
	}
	return RunContext{
		TenantID:   tenantID,
		StrandID:   strandID,
		WorkflowID: workflowID,
		RunID:      runID,
		StartedAt:  time.Now().UTC(),
		Metadata:   metadata,
	}
}

// Attributes returns the telemetry dimension labels for this context.
// run_id is intentionally absent; emitters attach it only when opted in.
func (c RunContext) Attributes() map[string]string {
	return map[string]string{
		"costguard.tenant_id":   c.TenantID,
		"costguard.strand_id":   c.StrandID,
		"costguard.workflow_id": c.WorkflowID,
	}
}

// RunState is the mutable accounting record for one live run. It is owned
// by the budget tracker between registration and unregistration; callers
// receive copies via Clone.
type RunState struct {
	Context           RunContext         `json:"context"`
	CurrentIteration  int                `json:"current_iteration"`
	TotalCost         float64            `json:"total_cost"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	TotalToolCalls    int                `json:"total_tool_calls"`
	ModelCosts        map[string]float64 `json:"model_costs"`
	ToolCosts         map[string]float64 `json:"tool_costs"`
	Status            RunStatus          `json:"status"`
	EndedAt           *time.Time         `json:"ended_at,omitempty"`
}

// NewRunState creates a running RunState for the given context.
func NewRunState(ctx RunContext) *RunState {
	return &RunState{
		Context:    ctx,
		ModelCosts: make(map[string]float64),
		ToolCosts:  make(map[string]float64),
		Status:     RunStatusRunning,
	}
}

// AddModelCost accrues one model call's cost and tokens.
func (s *RunState) AddModelCost(model string, cost float64, inputTokens, outputTokens int64) {
	s.TotalCost += cost
	s.ModelCosts[model] += cost
	s.TotalInputTokens += inputTokens
	s.TotalOutputTokens += outputTokens
}

// AddToolCost accrues one tool call's cost and bumps the call counter.
func (s *RunState) AddToolCost(tool string, cost float64) {
	s.TotalCost += cost
	s.ToolCosts[tool] += cost
	s.TotalToolCalls++
}

// IncrementIteration marks one more completed iteration.
func (s *RunState) IncrementIteration() {
	s.CurrentIteration++
}

// TotalTokens returns input + output tokens accrued so far.
func (s *RunState) TotalTokens() int64 {
	return s.TotalInputTokens + s.TotalOutputTokens
}

// End transitions the run to a terminal status.
func (s *RunState) End(status RunStatus) {
	now := time.Now().UTC()
	s.Status = status
	s.EndedAt = &now
}

// Clone returns a deep copy safe to hand outside the tracker's lock.
func (s *RunState) Clone() *RunState {
	cp := *s
	cp.ModelCosts = make(map[string]float64, len(s.ModelCosts))
	for k, v := range s.ModelCosts {
		cp.ModelCosts[k] = v
	}
	cp.ToolCosts = make(map[string]float64, len(s.ToolCosts))
	for k, v := range s.ToolCosts {
		cp.ToolCosts[k] = v
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
