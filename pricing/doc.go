/*
Package pricing 将模型调用的 Token 用量与工具调用的 I/O 字节数换算为货币成本。

# 概述

核心类型是 Table：按模型名解析 ModelPricing（精确匹配 → 最长前缀匹配 →
兜底费率，永不失败），按工具名解析 ToolPricing（未配置时零成本）。
Table 构造后不可变，策略热更新通过整表替换完成，读路径无锁。

# 成本公式

模型调用：

	(prompt − cached)/1000 × input_per_1k
	+ cached/1000 × (cached_input_per_1k，未配置时退回 input_per_1k)
	+ completion/1000 × output_per_1k
	+ reasoning/1000 × reasoning_per_1k（未配置时为 0）

工具调用：

	cost_per_call + input_bytes × cost_per_input_byte + output_bytes × cost_per_output_byte

# 前缀匹配

带日期或版本后缀的模型名（如 gpt-4o-2024-11-20）按已知模型名的
最长前缀解析，前缀列表在构造时按长度降序排好，匹配取第一个命中。

# 使用方式

	table := pricing.NewTable(pricing.Config{}, logger) // 空配置加载内置目录
	cost := table.ModelCost("gpt-4o", 1000, 500, 0, 0)  // 7.50 USD
*/
package pricing
