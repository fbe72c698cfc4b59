package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/costguard/policy"
	"github.com/BaSui01/costguard/types"
)

// ErrCallRejected 表示模型调用被守卫拒绝。
var ErrCallRejected = errors.New("model call not allowed")

// ModelCallRequest 携带一次模型调用的事前参数。AvgLatencyMS 为
// 调用方观测到的本运行平均模型延迟，缺省表示信号不可用。
type ModelCallRequest struct {
	RunID                string   `json:"run_id"`
	RequestedModel       string   `json:"requested_model"`
	Stage                string   `json:"stage"`
	PromptTokensEstimate int      `json:"prompt_tokens_estimate"`
	AvgLatencyMS         *float64 `json:"avg_latency_ms,omitempty"`
}

// Hooks 是包装器驱动的守卫钩子子集，由根包的 Guard 实现。
type Hooks interface {
	// BeforeModelCall 在模型调用前做预算检查与路由决策。
	BeforeModelCall(ctx context.Context, req ModelCallRequest) types.ModelDecision

	// AfterModelCall 记账一次已完成的模型调用，返回补全成本后的用量。
	AfterModelCall(ctx context.Context, runID string, usage types.ModelUsage) types.ModelUsage
}

// ModelRequest 是经由包装器发出的一次模型调用。
type ModelRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ModelResponse 是宿主模型客户端返回的响应。
type ModelResponse struct {
	Model            string `json:"model"`
	Content          string `json:"content"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	CachedTokens     int64  `json:"cached_tokens,omitempty"`
	ReasoningTokens  int64  `json:"reasoning_tokens,omitempty"`
}

// ModelClient 是宿主的模型传输层。
type ModelClient interface {
	Call(ctx context.Context, req ModelRequest) (ModelResponse, error)
}

// CallContext 是 Before 返回的调用上下文。
type CallContext struct {
	RunID          string   `json:"run_id"`
	Stage          string   `json:"stage"`
	RequestedModel string   `json:"requested_model"`
	EffectiveModel string   `json:"effective_model"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	Allowed        bool     `json:"allowed"`
	WasDowngraded  bool     `json:"was_downgraded"`
	Reason         string   `json:"reason,omitempty"`
	Warnings       []string `json:"warnings,omitempty"`
	PromptTokens   int      `json:"prompt_tokens_estimate"`
}

// latencyWindowSize 是每个运行保留的延迟样本数。
const latencyWindowSize = 10

// latencyWindow 维护最近若干次调用延迟的滚动平均。
type latencyWindow struct {
	samples [latencyWindowSize]float64
	count   int
	next    int
}

func (w *latencyWindow) add(ms float64) {
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

func (w *latencyWindow) average() (float64, bool) {
	if w.count == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count), true
}

type pendingCall struct {
	context CallContext
	start   time.Time
}

// CallGuard 将守卫的模型钩子包装成 Before / After 两段式流程，
// 并为每个运行维护滚动平均延迟，作为 latency_above_ms 信号回馈
// 给后续的路由决策。
//
// pending 状态按 run_id 记录，同一运行内的模型调用按顺序进行。
type CallGuard struct {
	hooks     Hooks
	estimator *TokenEstimator
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingCall
	latency map[string]*latencyWindow
}

// CallGuardOption 配置 CallGuard。
type CallGuardOption func(*CallGuard)

// WithCallGuardLogger 设置日志器。
func WithCallGuardLogger(logger *zap.Logger) CallGuardOption {
	return func(g *CallGuard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithEstimator 注入自定义 token 估算器。
func WithEstimator(estimator *TokenEstimator) CallGuardOption {
	return func(g *CallGuard) {
		if estimator != nil {
			g.estimator = estimator
		}
	}
}

// NewCallGuard 创建模型调用包装器。
func NewCallGuard(hooks Hooks, opts ...CallGuardOption) *CallGuard {
	g := &CallGuard{
		hooks:   hooks,
		logger:  zap.NewNop(),
		now:     time.Now,
		pending: make(map[string]*pendingCall),
		latency: make(map[string]*latencyWindow),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.estimator == nil {
		g.estimator = NewTokenEstimator("")
	}
	g.logger = g.logger.With(zap.String("component", "call_guard"))
	return g
}

// Before 估算 prompt token、咨询守卫的模型钩子并记录调用开始时间。
// 被拒绝的调用不会留下 pending 记录。
func (g *CallGuard) Before(ctx context.Context, runID, stage string, messages []Message, requestedModel string) CallContext {
	if requestedModel == "" {
		requestedModel = policy.DefaultModel
	}
	estimate := g.estimator.EstimateMessages(messages)

	req := ModelCallRequest{
		RunID:                runID,
		RequestedModel:       requestedModel,
		Stage:                stage,
		PromptTokensEstimate: estimate,
	}
	if avg, ok := g.AverageLatency(runID); ok {
		req.AvgLatencyMS = &avg
	}

	decision := g.hooks.BeforeModelCall(ctx, req)

	cc := CallContext{
		RunID:          runID,
		Stage:          stage,
		RequestedModel: requestedModel,
		EffectiveModel: decision.EffectiveModel,
		MaxTokens:      decision.MaxTokens,
		Allowed:        decision.Allowed,
		WasDowngraded:  decision.WasDowngraded,
		Reason:         decision.Reason,
		Warnings:       decision.Warnings,
		PromptTokens:   estimate,
	}
	if cc.EffectiveModel == "" {
		cc.EffectiveModel = requestedModel
	}

	if decision.Allowed {
		g.mu.Lock()
		g.pending[runID] = &pendingCall{context: cc, start: g.now()}
		g.mu.Unlock()
	}
	return cc
}

// After 补全延迟与模型名、更新运行的滚动平均延迟并驱动守卫的
// 记账钩子。usage 的 LatencyMS 为零时由包装器按挂钟时间填充。
// 返回补全成本后的最终用量。
func (g *CallGuard) After(ctx context.Context, runID string, usage types.ModelUsage) types.ModelUsage {
	g.mu.Lock()
	pc := g.pending[runID]
	delete(g.pending, runID)
	g.mu.Unlock()

	if usage.ModelName == "" {
		if pc != nil {
			usage.ModelName = pc.context.EffectiveModel
		} else {
			usage.ModelName = "unknown"
		}
	}
	if usage.LatencyMS == 0 && pc != nil {
		usage.LatencyMS = float64(g.now().Sub(pc.start)) / float64(time.Millisecond)
	}
	if usage.LatencyMS > 0 {
		g.recordLatency(runID, usage.LatencyMS)
	}

	return g.hooks.AfterModelCall(ctx, runID, usage)
}

// Call 将 Before、实际模型调用与 After 组合为一次操作。调用被拒绝
// 时返回 ErrCallRejected；客户端错误原样返回，pending 记录已清理。
func (g *CallGuard) Call(ctx context.Context, runID, stage string, messages []Message, requestedModel string, client ModelClient) (ModelResponse, types.ModelUsage, error) {
	cc := g.Before(ctx, runID, stage, messages, requestedModel)
	if !cc.Allowed {
		return ModelResponse{}, types.ModelUsage{}, fmt.Errorf("%w: %s", ErrCallRejected, cc.Reason)
	}

	resp, err := client.Call(ctx, ModelRequest{
		Model:     cc.EffectiveModel,
		Messages:  messages,
		MaxTokens: cc.MaxTokens,
	})
	if err != nil {
		g.abandon(runID)
		return ModelResponse{}, types.ModelUsage{}, err
	}

	model := resp.Model
	if model == "" {
		model = cc.EffectiveModel
	}
	usage := g.After(ctx, runID, types.ModelUsage{
		ModelName:        model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CachedTokens:     resp.CachedTokens,
		ReasoningTokens:  resp.ReasoningTokens,
	})
	return resp, usage, nil
}

// AverageLatency 返回运行当前的滚动平均延迟，无样本时 ok 为 false。
func (g *CallGuard) AverageLatency(runID string) (float64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.latency[runID]
	if w == nil {
		return 0, false
	}
	return w.average()
}

// ForgetRun 清理一个运行的延迟窗口与未完成调用记录。运行结束后
// 调用，避免长驻进程中状态累积。
func (g *CallGuard) ForgetRun(runID string) {
	g.mu.Lock()
	delete(g.pending, runID)
	delete(g.latency, runID)
	g.mu.Unlock()
}

func (g *CallGuard) recordLatency(runID string, ms float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	w := g.latency[runID]
	if w == nil {
		w = &latencyWindow{}
		g.latency[runID] = w
	}
	w.add(ms)
}

func (g *CallGuard) abandon(runID string) {
	g.mu.Lock()
	delete(g.pending, runID)
	g.mu.Unlock()
}
