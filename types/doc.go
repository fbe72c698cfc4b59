// Copyright (c) CostGuard Authors.
// Licensed under the MIT License.

/*
Package types 提供 CostGuard 控制平面的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 policy、budget、router、
metrics 等上层模块提供统一的类型契约。所有跨包共享的结构体、枚举和
错误码均定义于此，以避免循环依赖。

# 核心类型

  - RunContext         — 一次 Agent 运行的不可变标识（tenant/strand/workflow/run）
  - RunState           — 运行期可变账目（成本、Token、迭代、工具调用）
  - ModelUsage         — 单次模型调用的用量（prompt/completion/cached/reasoning）
  - ToolUsage          — 单次工具调用的用量（输入/输出字节、成功标记）
  - IterationUsage     — 单次迭代内的聚合用量
  - AdmissionDecision  — 准入决策（allowed、remaining_budget、warnings）
  - IterationDecision  — 迭代决策（force_terminate_run 覆写）
  - ModelDecision      — 模型调用决策（effective_model、max_tokens、降级标记）
  - ToolDecision       — 工具调用决策（skip_tool_call 覆写）
  - Error / ErrorCode  — 结构化错误体系，含 HTTP 状态码与 Retryable 标记

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithRunID
  - 决策构造：Admit / RejectAdmission / ProceedIteration / HaltIteration /
    AllowModel / DowngradeModel / AllowTool / RejectTool
  - 遥测属性：RunContext.Attributes 输出 costguard.* 维度标签
  - Token 估算：TokenCounter 最小接口（router 包提供实现）

决策是值而非错误：所有 Decision 构造器返回结构体，勾子调用方依据
Allowed 字段分支，错误码体系仅服务于 HTTP API 层。
*/
package types
