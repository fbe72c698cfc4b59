package handlers

import (
	"net/http"

	costguard "github.com/BaSui01/costguard"
	"github.com/BaSui01/costguard/api"
	"github.com/BaSui01/costguard/internal/metrics"
	"github.com/BaSui01/costguard/types"
	"go.uber.org/zap"
)

// =============================================================================
// 🪝 运行生命周期钩子 Handler
// =============================================================================

// HookHandler 运行生命周期钩子处理器。
// 把 Guard 的八个生命周期钩子暴露为 HTTP 端点，供非 Go 运行时以
// sidecar 方式接入。决策本身是数据而非错误：拒绝与停止决策同样以
// HTTP 200 返回，非 2xx 仅表示请求格式错误或服务端故障。
type HookHandler struct {
	guard     *costguard.Guard
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewHookHandler 创建钩子处理器。collector 可为 nil（不记录运维指标）。
func NewHookHandler(guard *costguard.Guard, collector *metrics.Collector, logger *zap.Logger) *HookHandler {
	return &HookHandler{
		guard:     guard,
		collector: collector,
		logger:    logger,
	}
}

func (h *HookHandler) recordDecision(hook string, action types.DecisionAction) {
	if h.collector != nil {
		h.collector.RecordDecision(hook, string(action))
	}
}

func (h *HookHandler) syncActiveRuns() {
	if h.collector != nil {
		h.collector.SetActiveRuns(h.guard.ActiveRuns())
	}
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleAdmit 处理 POST /v1/hooks/admit 请求
// @Summary 运行准入
// @Description 在运行开始前执行预算准入检查
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.AdmitRequest true "准入请求"
// @Success 200 {object} Response{data=api.AdmissionDecision} "准入决策"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/admit [post]
func (h *HookHandler) HandleAdmit(w http.ResponseWriter, r *http.Request) {
	var req api.AdmitRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	// HTTP 客户端无法从决策里取回生成的 run_id，要求显式提供
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}

	decision := h.guard.AdmitRun(r.Context(), req.TenantID, req.StrandID, req.WorkflowID, req.RunID, req.Metadata)

	h.recordDecision("admit", decision.Action)
	h.syncActiveRuns()
	WriteSuccess(w, decision)
}

// HandleBeforeIteration 处理 POST /v1/hooks/before_iteration 请求
// @Summary 迭代前检查
// @Description 在代理迭代开始前检查迭代上限与预算余量
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.IterationCheckRequest true "迭代检查请求"
// @Success 200 {object} Response{data=api.IterationDecision} "迭代决策"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/before_iteration [post]
func (h *HookHandler) HandleBeforeIteration(w http.ResponseWriter, r *http.Request) {
	var req api.IterationCheckRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}

	decision := h.guard.BeforeIteration(r.Context(), req.RunID, req.IterationIdx)

	h.recordDecision("before_iteration", decision.Action)
	WriteSuccess(w, decision)
}

// HandleAfterIteration 处理 POST /v1/hooks/after_iteration 请求
// @Summary 迭代用量上报
// @Description 上报一次迭代内的模型与工具用量聚合
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.IterationReport true "迭代用量上报"
// @Success 200 {object} Response "已记录"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/after_iteration [post]
func (h *HookHandler) HandleAfterIteration(w http.ResponseWriter, r *http.Request) {
	var req api.IterationReport
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}

	h.guard.AfterIteration(r.Context(), req.RunID, req.Usage.IterationIdx, req.Usage)

	WriteSuccess(w, nil)
}

// HandleBeforeModel 处理 POST /v1/hooks/before_model 请求
// @Summary 模型调用前检查
// @Description 在模型调用前执行 token 预检与自适应路由
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.ModelCheckRequest true "模型检查请求"
// @Success 200 {object} Response{data=api.ModelDecision} "模型决策"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/before_model [post]
func (h *HookHandler) HandleBeforeModel(w http.ResponseWriter, r *http.Request) {
	var req api.ModelCheckRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}
	if req.RequestedModel == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "requested_model is required", h.logger)
		return
	}

	decision := h.guard.BeforeModelCall(r.Context(), req)

	h.recordDecision("before_model", decision.Action)
	WriteSuccess(w, decision)
}

// HandleAfterModel 处理 POST /v1/hooks/after_model 请求
// @Summary 模型用量上报
// @Description 上报一次模型调用的实测用量，返回计价后的用量
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.ModelReport true "模型用量上报"
// @Success 200 {object} Response{data=types.ModelUsage} "计价后的用量"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/after_model [post]
func (h *HookHandler) HandleAfterModel(w http.ResponseWriter, r *http.Request) {
	var req api.ModelReport
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}

	priced := h.guard.AfterModelCall(r.Context(), req.RunID, req.Usage)

	WriteSuccess(w, priced)
}

// HandleBeforeTool 处理 POST /v1/hooks/before_tool 请求
// @Summary 工具调用前检查
// @Description 在工具调用前检查调用次数上限
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.ToolCheckRequest true "工具检查请求"
// @Success 200 {object} Response{data=api.ToolDecision} "工具决策"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/before_tool [post]
func (h *HookHandler) HandleBeforeTool(w http.ResponseWriter, r *http.Request) {
	var req api.ToolCheckRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}
	if req.ToolName == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "tool_name is required", h.logger)
		return
	}

	decision := h.guard.BeforeToolCall(r.Context(), req.RunID, req.ToolName)

	h.recordDecision("before_tool", decision.Action)
	WriteSuccess(w, decision)
}

// HandleAfterTool 处理 POST /v1/hooks/after_tool 请求
// @Summary 工具用量上报
// @Description 上报一次工具调用的实测用量，返回计价后的用量
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.ToolReport true "工具用量上报"
// @Success 200 {object} Response{data=types.ToolUsage} "计价后的用量"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/after_tool [post]
func (h *HookHandler) HandleAfterTool(w http.ResponseWriter, r *http.Request) {
	var req api.ToolReport
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}

	priced := h.guard.AfterToolCall(r.Context(), req.RunID, req.Usage)

	WriteSuccess(w, priced)
}

// HandleEnd 处理 POST /v1/hooks/end 请求
// @Summary 运行结束
// @Description 结算运行用量并注销运行
// @Tags 钩子
// @Accept json
// @Produce json
// @Param request body api.EndRequest true "运行结束请求"
// @Success 200 {object} Response "已结算"
// @Failure 400 {object} Response "请求格式错误"
// @Router /v1/hooks/end [post]
func (h *HookHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	var req api.EndRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if req.RunID == "" {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "run_id is required", h.logger)
		return
	}
	status, ok := parseRunStatus(req.Status)
	if !ok {
		WriteErrorMessage(w, http.StatusBadRequest, types.ErrInvalidRequest, "invalid status: "+req.Status, h.logger)
		return
	}

	h.guard.EndRun(r.Context(), req.RunID, status)

	h.syncActiveRuns()
	WriteSuccess(w, nil)
}

// parseRunStatus 解析客户端上报的终态。留空视为 completed；
// running 与 rejected 由 Guard 内部管理，不接受客户端上报。
func parseRunStatus(s string) (types.RunStatus, bool) {
	if s == "" {
		return types.RunStatusCompleted, true
	}
	switch status := types.RunStatus(s); status {
	case types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusCancelled, types.RunStatusHalted:
		return status, true
	}
	return "", false
}
