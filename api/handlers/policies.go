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
// 📜 策略管理 Handler
// =============================================================================

// PolicyHandler 策略管理处理器
type PolicyHandler struct {
	guard     *costguard.Guard
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewPolicyHandler 创建策略管理处理器。collector 可为 nil。
func NewPolicyHandler(guard *costguard.Guard, collector *metrics.Collector, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		guard:     guard,
		collector: collector,
		logger:    logger,
	}
}

// HandleReload 处理 POST /v1/policies/reload 请求
// @Summary 策略重载
// @Description 立即从策略源重新加载预算、路由与定价文档
// @Tags 策略
// @Produce json
// @Success 200 {object} Response{data=api.PolicyReloadResponse} "重载成功"
// @Failure 500 {object} Response "重载失败，继续使用上一份快照"
// @Router /v1/policies/reload [post]
func (h *PolicyHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.ReloadPolicies(r.Context()); err != nil {
		if h.collector != nil {
			h.collector.RecordPolicyRefresh("failure")
		}
		apiErr := types.NewError(types.ErrPolicyLoad, "policy reload failed, previous snapshot still active").
			WithCause(err).
			WithHTTPStatus(http.StatusInternalServerError)
		WriteError(w, apiErr, h.logger)
		return
	}

	if h.collector != nil {
		h.collector.RecordPolicyRefresh("success")
	}
	WriteSuccess(w, api.PolicyReloadResponse{LastRefresh: h.guard.LastPolicyRefresh()})
}
