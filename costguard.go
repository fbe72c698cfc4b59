// Package costguard enforces cost budgets and adaptive model routing for
// multi-tenant agent runtimes.
//
// A Guard wires the policy store, the budget tracker, the pricing table,
// and a metrics emitter behind eight lifecycle hooks that a host runtime
// invokes around its agent loop:
//
//	guard, err := costguard.New(policy.NewFileSource("./policies", logger))
//	...
//	dec := guard.AdmitRun(ctx, "tenant", "strand", "workflow", runID, nil)
//	if !dec.Allowed {
//	    return errors.New(dec.Reason)
//	}
//	defer guard.EndRun(ctx, runID, types.RunStatusCompleted)
//
// Decisions are values, never errors: a denied operation comes back as a
// decision with Allowed=false and a reason, and hooks stay safe to call
// even when the policy source or the persistent budget store degrades.
package costguard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/metrics"
	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/store"
	"github.com/BaSui01/costguard/types"
)

// FailureMode selects how hooks behave when the persistent budget store
// cannot be read or written.
type FailureMode string

const (
	// FailOpen proceeds against in-memory state with a warning.
	FailOpen FailureMode = "fail_open"
	// FailClosed refuses the operation with a reject or halt decision.
	FailClosed FailureMode = "fail_closed"
)

// ParseFailureMode validates a failure mode string from configuration.
// The empty string maps to FailOpen.
func ParseFailureMode(s string) (FailureMode, error) {
	switch FailureMode(s) {
	case FailOpen, FailClosed:
		return FailureMode(s), nil
	case "":
		return FailOpen, nil
	default:
		return "", fmt.Errorf("unknown failure mode %q", s)
	}
}

// Per-run ceilings applied when a budget's constraints leave them unset.
const (
	DefaultMaxIterationsPerRun = 50
	DefaultMaxToolCallsPerRun  = 100
)

// storeUnavailableReason is cited by fail-closed decisions when the
// persistent budget store cannot be read.
const storeUnavailableReason = "budget store unavailable"

// RunRecorder receives terminal run states for archival. Implementations
// must not block: EndRun calls it inline.
type RunRecorder interface {
	RecordRunEnd(rs *types.RunState)
}

// Guard is the cost-admission control plane for one process. All methods
// are safe for concurrent use by any number of runs; hooks for a single
// run are expected to arrive in lifecycle order.
type Guard struct {
	store   *policy.Store
	tracker *budget.Tracker
	emitter metrics.Emitter
	logger  *zap.Logger

	recorder RunRecorder

	enforceBudgets bool
	enableRouting  bool
	failureMode    FailureMode

	defaultMaxIterations int
	defaultMaxToolCalls  int

	// constructor-time wiring, unused after New returns
	refreshInterval time.Duration
	budgetStore     store.BudgetStore
	runIDInMetrics  bool

	mu sync.RWMutex
	// budgets resolved at admission, pinned for the run's lifetime so a
	// policy refresh cannot change a live run's budget set
	runBudgets map[string][]*policy.BudgetSpec
}

// Option configures the Guard created by [New].
type Option func(*Guard)

// WithLogger sets the logger shared by the guard and its components.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithEmitter replaces the default OpenTelemetry metrics emitter.
// Pass metrics.Nop() to disable metrics entirely.
func WithEmitter(e metrics.Emitter) Option {
	return func(g *Guard) {
		if e != nil {
			g.emitter = e
		}
	}
}

// WithBudgetStore persists period accounting so budgets survive restarts
// and are shared across instances.
func WithBudgetStore(s store.BudgetStore) Option {
	return func(g *Guard) { g.budgetStore = s }
}

// WithRunRecorder forwards terminal run states to an archive.
func WithRunRecorder(r RunRecorder) Option {
	return func(g *Guard) { g.recorder = r }
}

// WithRefreshInterval sets the policy refresh period. Non-positive
// values disable automatic refresh.
func WithRefreshInterval(d time.Duration) Option {
	return func(g *Guard) { g.refreshInterval = d }
}

// WithFailureMode selects fail-open or fail-closed behavior on budget
// store degradation.
func WithFailureMode(m FailureMode) Option {
	return func(g *Guard) { g.failureMode = m }
}

// WithBudgetEnforcement toggles cost-based admission and halt decisions.
// Disabled, runs are still registered and costs still accrue.
func WithBudgetEnforcement(enabled bool) Option {
	return func(g *Guard) { g.enforceBudgets = enabled }
}

// WithRouting toggles adaptive model routing in the model hook.
func WithRouting(enabled bool) Option {
	return func(g *Guard) { g.enableRouting = enabled }
}

// WithRunIDInMetrics attaches run_id to the default emitter's metric
// attributes. High cardinality; off by default.
func WithRunIDInMetrics(include bool) Option {
	return func(g *Guard) { g.runIDInMetrics = include }
}

// WithDefaultMaxIterations sets the per-run iteration ceiling applied
// when a budget's constraints leave it unset.
func WithDefaultMaxIterations(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.defaultMaxIterations = n
		}
	}
}

// WithDefaultMaxToolCalls sets the per-run tool call ceiling applied
// when a budget's constraints leave it unset.
func WithDefaultMaxToolCalls(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.defaultMaxToolCalls = n
		}
	}
}

// New creates a Guard and performs the initial policy load. A load
// failure with no prior snapshot fails construction.
func New(source policy.Source, opts ...Option) (*Guard, error) {
	if source == nil {
		return nil, errors.New("costguard: nil policy source")
	}

	g := &Guard{
		logger:               zap.NewNop(),
		failureMode:          FailOpen,
		enforceBudgets:       true,
		enableRouting:        true,
		refreshInterval:      policy.DefaultRefreshInterval,
		defaultMaxIterations: DefaultMaxIterationsPerRun,
		defaultMaxToolCalls:  DefaultMaxToolCallsPerRun,
		runBudgets:           make(map[string][]*policy.BudgetSpec),
	}
	for _, opt := range opts {
		opt(g)
	}
	base := g.logger
	g.logger = base.With(zap.String("component", "cost_guard"))

	ps, err := policy.NewStore(source,
		policy.WithStoreLogger(base),
		policy.WithRefreshInterval(g.refreshInterval))
	if err != nil {
		return nil, err
	}
	g.store = ps

	trackerOpts := []budget.TrackerOption{budget.WithTrackerLogger(base)}
	if g.budgetStore != nil {
		trackerOpts = append(trackerOpts, budget.WithStore(g.budgetStore))
	}
	g.tracker = budget.NewTracker(trackerOpts...)

	if g.emitter == nil {
		em, err := metrics.NewOTelEmitter(metrics.WithIncludeRunID(g.runIDInMetrics))
		if err != nil {
			g.logger.Warn("metrics emitter unavailable, metrics disabled", zap.Error(err))
			g.emitter = metrics.Nop()
		} else {
			g.emitter = em
		}
	}
	return g, nil
}

// Close stops the policy refresh loop. The budget store, the metrics
// provider, and the run recorder are owned by the caller and are not
// closed here.
func (g *Guard) Close() error {
	return g.store.Close()
}

// storeDegraded routes a budget store soft failure through the failure
// mode. It reports true when the calling hook must refuse the operation.
func (g *Guard) storeDegraded(err error, hook string) bool {
	if err == nil {
		return false
	}
	g.logger.Warn("budget store degraded",
		zap.String("hook", hook),
		zap.String("failure_mode", string(g.failureMode)),
		zap.Error(err))
	return g.failureMode == FailClosed
}

// maxIterationsFor resolves a budget's per-run iteration ceiling.
func (g *Guard) maxIterationsFor(b *policy.BudgetSpec) int {
	if b.Constraints.MaxIterationsPerRun != nil {
		return *b.Constraints.MaxIterationsPerRun
	}
	return g.defaultMaxIterations
}

// maxToolCallsFor resolves a budget's per-run tool call ceiling.
func (g *Guard) maxToolCallsFor(b *policy.BudgetSpec) int {
	if b.Constraints.MaxToolCallsPerRun != nil {
		return *b.Constraints.MaxToolCallsPerRun
	}
	return g.defaultMaxToolCalls
}

// RunCost returns the accrued cost of a live run.
func (g *Guard) RunCost(runID string) (float64, bool) {
	rs, ok := g.tracker.RunSnapshot(runID)
	if !ok {
		return 0, false
	}
	return rs.TotalCost, true
}

// RunSnapshot returns a copy of a live run's accounting record.
func (g *Guard) RunSnapshot(runID string) (*types.RunState, bool) {
	return g.tracker.RunSnapshot(runID)
}

// ActiveRuns returns the number of currently registered runs.
func (g *Guard) ActiveRuns() int {
	return g.tracker.ActiveRunCount()
}

// BudgetSummary reports per-budget usage for a context. The error is a
// budget store soft failure; the summaries reflect in-memory state
// regardless.
func (g *Guard) BudgetSummary(ctx context.Context, tenantID, strandID, workflowID string) (map[string]budget.Summary, error) {
	budgets := g.store.Snapshot().BudgetsFor(tenantID, strandID, workflowID)
	return g.tracker.BudgetSummary(ctx, tenantID, strandID, workflowID, budgets)
}

// ReloadPolicies forces an immediate policy refresh.
func (g *Guard) ReloadPolicies(ctx context.Context) error {
	return g.store.Refresh(ctx)
}

// LastPolicyRefresh returns when the current policy snapshot was loaded.
func (g *Guard) LastPolicyRefresh() time.Time {
	return g.store.LastRefresh()
}
