/*
Package policy 提供预算与路由策略的定义、匹配、排序与热加载。

# 概述

三类策略文档（budgets / routing_policies / pricing）由 Source 接口加载，
Store 负责把原始文档转换为带默认值的强类型 Spec、按特异性排序，并以
不可变快照的形式原子发布。钩子调用方在进入时取一次快照，刷新路径
替换整个快照，在途调用继续使用旧快照完成。

# 核心类型

  - BudgetSpec     — 预算策略：作用域、匹配规则、周期、软/硬限额与动作
  - RoutingPolicy  — 路由策略：按 stage 的默认/降级模型与触发条件
  - Match          — 三元匹配（tenant/strand/workflow，字面量或 *）
  - Source         — 策略源接口（LoadBudgets / LoadRoutingPolicies / LoadPricing）
  - Store          — 快照存储：周期刷新、失败保留最近一次成功快照

# 特异性排序

匹配得分 workflow(4) + strand(2) + tenant(1)，叠加作用域权重
global(0) < tenant(10) < strand(20) < workflow(30)。返回列表按
得分降序排列，同分保持输入顺序（稳定排序）。

# 内置 Source

  - FileSource   — 从目录读取 budgets.yaml / routing.yaml / pricing.yaml，
    缺失文件记警告并按空文档处理
  - EnvSource    — 从环境变量构造单租户预算与默认路由
  - StaticSource — 固定文档，用于测试与嵌入式宿主

# 使用方式

	src := policy.NewFileSource("/etc/costguard", logger)
	store, err := policy.NewStore(src, policy.WithStoreLogger(logger))
	if err != nil { ... } // 首次加载失败且无快照时启动失败
	defer store.Close()

	snap := store.Snapshot()
	budgets := snap.BudgetsFor("tenant-a", "support", "triage")
*/
package policy
