package api

import (
	"time"

	"github.com/BaSui01/costguard/budget"
	"github.com/BaSui01/costguard/router"
	"github.com/BaSui01/costguard/types"
)

// =============================================================================
// 运行生命周期钩子类型
// =============================================================================

// AdmitRequest 表示运行准入请求。
// @Description 运行准入请求结构
type AdmitRequest struct {
	// 多租户的租户 ID
	TenantID string `json:"tenant_id" example:"acme" binding:"required"`
	// 代理链 ID（可选作用域维度）
	StrandID string `json:"strand_id,omitempty" example:"support-bot"`
	// 工作流 ID（可选作用域维度）
	WorkflowID string `json:"workflow_id,omitempty" example:"triage"`
	// 运行 ID，由客户端生成并在后续钩子中复用
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 自定义元数据
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IterationCheckRequest 表示迭代前检查请求。
// @Description 迭代前检查请求结构
type IterationCheckRequest struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 即将开始的迭代序号（从 0 开始）
	IterationIdx int `json:"iteration_idx" example:"3"`
}

// IterationReport 表示迭代结束后的用量上报。
// 迭代序号取自 usage.iteration_idx。
// @Description 迭代用量上报结构
type IterationReport struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 迭代内的模型与工具调用聚合
	Usage types.IterationUsage `json:"usage"`
}

// ModelCheckRequest is a type alias for router.ModelCallRequest to avoid
// duplicate definitions. The canonical definition lives in
// router.ModelCallRequest (router/callguard.go).
type ModelCheckRequest = router.ModelCallRequest

// ModelReport 表示模型调用结束后的用量上报。
// @Description 模型用量上报结构
type ModelReport struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 单次模型调用的实测用量
	Usage types.ModelUsage `json:"usage"`
}

// ToolCheckRequest 表示工具调用前检查请求。
// @Description 工具调用检查请求结构
type ToolCheckRequest struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 工具名称
	ToolName string `json:"tool_name" example:"web_search" binding:"required"`
}

// ToolReport 表示工具调用结束后的用量上报。
// @Description 工具用量上报结构
type ToolReport struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 单次工具调用的实测用量
	Usage types.ToolUsage `json:"usage"`
}

// EndRequest 表示运行结束请求。
// @Description 运行结束请求结构
type EndRequest struct {
	// 运行 ID
	RunID string `json:"run_id" example:"run-7f3a1b" binding:"required"`
	// 终态：completed、failed、cancelled、halted
	Status string `json:"status" example:"completed"`
}

// =============================================================================
// 决策类型
// =============================================================================

// Decision type aliases to avoid duplicate definitions. The canonical
// definitions live in the types package (types/decision.go); hook
// endpoints serialize them unchanged.
type (
	AdmissionDecision = types.AdmissionDecision
	IterationDecision = types.IterationDecision
	ModelDecision     = types.ModelDecision
	ToolDecision      = types.ToolDecision
)

// =============================================================================
// 预算与策略管理类型
// =============================================================================

// BudgetListResponse 表示预算用量查询结果。
// @Description 预算列表响应
type BudgetListResponse struct {
	// 作用域键到预算摘要的映射
	Budgets map[string]budget.Summary `json:"budgets"`
}

// PolicyReloadResponse 表示策略重载结果。
// @Description 策略重载响应
type PolicyReloadResponse struct {
	// 最近一次成功刷新的时间
	LastRefresh time.Time `json:"last_refresh"`
}
