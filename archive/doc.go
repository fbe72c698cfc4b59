/*
Package archive 将结束的运行异步归档到关系数据库。

# 概述

Archiver 实现守护进程的运行记录器：EndRun 入队一条 RunRecord，
后台 Worker 按批写入 GORM 管理的 run_records 表。队列有界，写满
时丢弃并告警，绝不阻塞调用方；Close 前排空队列并刷掉余批。

# 使用方式

	a := archive.New(db, archive.DefaultConfig(), logger)
	defer a.Close()

	g, err := costguard.New(source, costguard.WithRunRecorder(a))
*/
package archive
