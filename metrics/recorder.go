package metrics

import (
	"context"
	"sync"

	"github.com/BaSui01/costguard/types"
)

// Event 种类。
const (
	EventRunStart  = "run_start"
	EventRunEnd    = "run_end"
	EventModelCost = "model_cost"
	EventToolCost  = "tool_cost"
	EventIteration = "iteration"
	EventDowngrade = "downgrade"
	EventRejection = "rejection"
	EventHalt      = "halt"
)

// Event 是 Recorder 捕获的一次发射。
type Event struct {
	Kind         string
	Context      types.RunContext
	Status       types.RunStatus
	Model        string
	Tool         string
	Iteration    int
	Original     string
	Fallback     string
	Reason       string
	Cost         float64
	InputTokens  int64
	OutputTokens int64
}

// Recorder 把发射记录在内存里，供测试与嵌入式宿主断言。并发安全。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder 创建记录器。
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

// Events 返回已记录事件的副本。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count 返回指定种类事件的数量。
func (r *Recorder) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Last 返回指定种类的最近一次事件。
func (r *Recorder) Last(kind string) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// Reset 清空已记录事件。
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *Recorder) RunStarted(_ context.Context, rc types.RunContext) {
	r.record(Event{Kind: EventRunStart, Context: rc})
}

func (r *Recorder) RunEnded(_ context.Context, rs *types.RunState) {
	r.record(Event{
		Kind:         EventRunEnd,
		Context:      rs.Context,
		Status:       rs.Status,
		Cost:         rs.TotalCost,
		InputTokens:  rs.TotalInputTokens,
		OutputTokens: rs.TotalOutputTokens,
	})
}

func (r *Recorder) ModelCost(_ context.Context, rc types.RunContext, usage types.ModelUsage) {
	r.record(Event{
		Kind:         EventModelCost,
		Context:      rc,
		Model:        usage.ModelName,
		Cost:         usage.Cost,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	})
}

func (r *Recorder) ToolCost(_ context.Context, rc types.RunContext, usage types.ToolUsage) {
	r.record(Event{Kind: EventToolCost, Context: rc, Tool: usage.ToolName, Cost: usage.Cost})
}

func (r *Recorder) IterationCompleted(_ context.Context, rc types.RunContext, iterationIdx int) {
	r.record(Event{Kind: EventIteration, Context: rc, Iteration: iterationIdx})
}

func (r *Recorder) Downgrade(_ context.Context, rc types.RunContext, original, fallback, reason string) {
	r.record(Event{
		Kind:     EventDowngrade,
		Context:  rc,
		Original: original,
		Fallback: fallback,
		Reason:   truncateReason(reason),
	})
}

func (r *Recorder) Rejection(_ context.Context, rc types.RunContext, reason string) {
	r.record(Event{Kind: EventRejection, Context: rc, Reason: truncateReason(reason)})
}

func (r *Recorder) Halt(_ context.Context, rc types.RunContext, reason string) {
	r.record(Event{Kind: EventHalt, Context: rc, Reason: truncateReason(reason)})
}

var _ Emitter = (*Recorder)(nil)
