// Copyright (c) CostGuard Authors.
// Licensed under the MIT License.

/*
Package main 提供 CostGuard 守护进程入口。

# 概述

cmd/costguardd 是 CostGuard 的可执行入口，以 sidecar 形式为 agent
运行时提供成本准入与路由决策的 HTTP API，并提供数据库迁移、健康检查
和版本查询等子命令。程序支持 YAML 配置文件加载、结构化日志（zap）、
Prometheus 指标采集以及 OpenTelemetry 追踪。

# 核心类型

  - Server            — 主服务器，组装存储、归档、Guard 引擎与 HTTP 层
  - Middleware        — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter    — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动服务）、migrate（数据库迁移）、version、health
  - 中间件链：RequestID、Recovery、SecurityHeaders、RequestLogger、
    MetricsMiddleware、OTelTracing、RateLimiter（基于 IP）、
    APIKeyAuth（X-API-Key）或 JWTAuth（Bearer HS256）
  - 预算存储：Redis（跨实例共享）或进程内存（单实例）
  - 运行归档：结束的运行经批量队列写入 SQL 数据库
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止 Guard → 刷空归档 → 关闭存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
