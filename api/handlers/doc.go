// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package handlers 提供 MeshForge HTTP API 的请求处理器实现。

# 概述

handlers 包实现任务创建、查询、进度推送与健康检查端点，
所有 Handler 均遵循标准 net/http 接口，响应统一使用 api.Response 信封。

# 核心类型

  - JobHandler: POST /api/v1/jobs（multipart）、GET /api/v1/jobs/{id}、
    GET /api/v1/jobs/{id}/watch（WebSocket）
  - HealthHandler: /health、/healthz、/ready、/version
  - HealthCheck: 可插拔就绪检查，PingCheck 包装任意 ping 函数
  - ResponseWriter: 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - WriteSuccess / WriteError / WriteJSON 响应辅助函数
  - ErrorCode → HTTP 状态码映射（HTTPStatusFor）
  - Idempotency-Key：基于 Redis 缓存返回同一键下已创建的任务
  - 终态快照：已结束任务的查询结果写入 Redis，后续查询直接命中缓存
*/
package handlers
