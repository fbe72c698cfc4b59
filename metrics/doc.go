/*
Package metrics 定义成本与决策指标的发射接口及其实现。

# 概述

Emitter 是无状态的只写指标汇：每个生命周期事件（运行起止、模型与
工具成本、迭代、降级、拒绝、中止）对应一次计数器累加。发射失败
只记日志，从不影响决策结果。

# 实现

  - OTelEmitter — 基于 OpenTelemetry 计数器，默认挂全局
    MeterProvider，宿主不配置遥测也能工作（数据无处可去但不报错）
  - NopEmitter  — 空实现，关闭指标时使用
  - Recorder    — 进程内记录器，测试与嵌入式宿主断言用

# 维度

所有指标携带 costguard.tenant_id / strand_id / workflow_id 三个
维度；run_id 基数高，仅在显式开启 WithIncludeRunID 时附加。事件
携带的 reason 截断到 100 个字符以内。
*/
package metrics
