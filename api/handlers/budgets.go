package handlers

import (
	"net/http"

	costguard "github.com/BaSui01/costguard"
	"github.com/BaSui01/costguard/api"
	"github.com/BaSui01/costguard/types"
	"go.uber.org/zap"
)

// =============================================================================
// 💰 预算查询 Handler
// =============================================================================

// BudgetHandler 预算用量查询处理器
type BudgetHandler struct {
	guard  *costguard.Guard
	logger *zap.Logger
}

// NewBudgetHandler 创建预算查询处理器
func NewBudgetHandler(guard *costguard.Guard, logger *zap.Logger) *BudgetHandler {
	return &BudgetHandler{
		guard:  guard,
		logger: logger,
	}
}

// HandleList 处理 GET /v1/budgets 请求
// @Summary 预算用量查询
// @Description 按作用域维度查询匹配预算的当期用量摘要
// @Tags 预算
// @Produce json
// @Param tenant_id query string false "租户 ID"
// @Param strand_id query string false "代理链 ID"
// @Param workflow_id query string false "工作流 ID"
// @Success 200 {object} Response{data=api.BudgetListResponse} "预算摘要"
// @Failure 503 {object} Response "预算存储不可用"
// @Router /v1/budgets [get]
func (h *BudgetHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenant_id")
	strandID := q.Get("strand_id")
	workflowID := q.Get("workflow_id")

	summaries, err := h.guard.BudgetSummary(r.Context(), tenantID, strandID, workflowID)
	if err != nil {
		apiErr := types.NewStoreUnavailableError("failed to read budget usage").WithCause(err)
		WriteError(w, apiErr, h.logger)
		return
	}

	WriteSuccess(w, api.BudgetListResponse{Budgets: summaries})
}
