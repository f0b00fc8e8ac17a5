/*
Package client 提供 MeshForge 任务状态的客户端观察工具。

Poller 通过 StatusFetcher 定期拉取任务快照，失败时按
min(间隔 * 1.5^k, 30s) 退避，直到任务终态、尝试次数耗尽或上下文结束。
WatchJob 则订阅 WebSocket 推送流。

进度百分比由 EstimateProgress 估算，只用于展示：

	pending    min(2+2n, 20)
	processing min(25+5n, 95)
	completed  100
	failed     0

ProgressTracker 保证终态之前的进度单调不减。
*/
package client
