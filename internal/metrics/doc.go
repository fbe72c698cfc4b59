// 版权所有 2024 CostGuard Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的守护进程运行指标采集能力，覆盖
HTTP、决策、策略、预算存储与归档数据库五个维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制，避免手动管理 Registry。所有指标按 namespace 隔离，
支持多维度 label 分组，便于 Grafana 等工具进行可视化与告警。

成本与 Token 的业务指标不在此处：它们由根包的发射器走
OpenTelemetry 输出，本包只覆盖守护进程自身的运行状况。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时、请求/响应体大小，
    按 method/path/status 分组，状态码归类为 2xx/3xx/4xx/5xx。
  - 决策指标：钩子决策计数（按 hook/action 分组）与在途运行数。
  - 策略指标：策略刷新结果计数，按 success/failure 分组。
  - 预算存储指标：写冲突重试计数，按 operation 分组。
  - 归档数据库指标：活跃/空闲连接数 Gauge，按 database 分组。
*/
package metrics
