/*
Package router 实现按 stage 的自适应模型路由与模型调用包装。

# 模型选择

Select 依据 RoutingPolicy 为指定 stage 选择生效模型：存在 stage 配置
且声明了 fallback_model 时，按序评估降级触发条件（软阈值、剩余预算、
迭代次数、平均延迟），首个满足的条件触发降级；否则使用 stage 默认
模型。无 stage 配置时回退到策略顶层 default_model，不限 tokens。

# Token 估算

TokenEstimator 基于 tiktoken 对 prompt 做事前 token 估算，编码数据
懒加载，不可用时回退到每 4 字符 1 token 的启发式并记录一次警告。

# 调用包装

CallGuard 将守卫的模型钩子包装成 Before / After 两段式流程：Before
估算 prompt token、取模型决策并记录开始时间；After 补全延迟、驱动
记账钩子并维护每个运行的滚动平均延迟，作为 latency_above_ms 信号
回馈给后续决策。Call 把两段与实际模型调用组合为一次操作。
*/
package router
