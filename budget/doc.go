// Copyright (c) CostGuard Authors.
// Licensed under the MIT License.

/*
Package budget 实现周期预算账目与并发安全的运行跟踪。

# 概述

budget 是引擎的核心包，承担两项职责：周期记账与对账目的并发安全
修改。每条预算策略在每个作用域上对应一份 PeriodUsage，按 UTC 墙钟
以小时、天、周（周一起始）或月为窗口滚动；窗口结束后首次访问触发
翻转，累计值归零、活跃运行集合保留。

在途运行的开销只累加在 RunState 上，运行结束（unregister）时一次性
并入周期累计并把 total_runs 加一。因此准入决策观察到的是略微滞后的
周期成本（不含在途运行的部分开销），而路由决策可通过 RunSnapshot
读取运行当前开销，运行内的自适应降级不受影响。

# 并发模型

Tracker 采用分条目锁：scope key 与 run_id 各自对应独立的锁，避免
单把全局锁串行化所有租户。同一 scope key 上的组合操作（注册、
注销、限额检查）彼此串行；不同 key 并行执行。

# 持久化

配置 store.BudgetStore 后，周期账目在首次访问时水合、每次结算时
增量写回，存储条目的过期时间即 period_end。存储故障一律按软失败
处理：内存账目照常更新，错误返回给调用方按 FailureMode 裁决。

# 使用方式

	tracker := budget.NewTracker(
		budget.WithStore(st),
		budget.WithTrackerLogger(logger),
	)

	rs := types.NewRunState(types.NewRunContext("t1", "s1", "w1", "", nil))
	_ = tracker.RegisterRun(ctx, rs, budgets)
	tracker.UpdateRunCost(rs.Context.RunID, budget.RunCostUpdate{
		ModelName: "gpt-4o", ModelCost: 0.0125,
		InputTokens: 1000, OutputTokens: 500,
	})
	ended, _ := tracker.UnregisterRun(ctx, rs.Context.RunID, types.RunStatusCompleted, budgets)
*/
package budget
