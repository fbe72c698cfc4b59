// Copyright (c) CostGuard Authors.
// Licensed under the MIT License.

/*
Package handlers 提供 CostGuard sidecar HTTP API 的请求处理器实现。

# 概述

handlers 包实现了 costguardd 所有 HTTP 端点的请求处理逻辑，
包括运行生命周期钩子、预算用量查询、策略重载、健康检查以及统一的
响应/错误处理。所有 Handler 均遵循标准 net/http 接口，通过 Swagger
注解生成 API 文档。

# 核心类型

  - HookHandler      — 运行生命周期钩子（admit、iteration、model、tool、end）
  - BudgetHandler    — 预算当期用量查询（GET /v1/budgets）
  - PolicyHandler    — 策略立即重载（POST /v1/policies/reload）
  - HealthHandler    — 服务健康检查（/health, /healthz, /ready）
  - Response         — 统一 JSON 响应结构（success + data + error + timestamp）
  - ErrorInfo        — 结构化错误信息，含 code、message、retryable 标记
  - ResponseWriter   — 包装 http.ResponseWriter 以捕获状态码
  - HealthCheck      — 可插拔健康检查接口（预算存储、归档数据库等）

# 主要能力

  - 统一响应格式：WriteSuccess / WriteError / WriteJSON 辅助函数
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - ErrorCode → HTTP 状态码自动映射（4xx/5xx）
  - 决策即数据：拒绝与停止决策以 HTTP 200 返回，决策体不携带错误
  - 运维指标：决策计数、活跃运行数、策略刷新结果计入 metrics.Collector
  - 可扩展健康检查：RegisterCheck 注册自定义 HealthCheck 实现
*/
package handlers
