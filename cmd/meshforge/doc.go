// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 MeshForge 服务端程序入口。

# 概述

cmd/meshforge 是照片到 3D 生成服务的可执行入口，提供 HTTP API 服务、
任务轮询、数据库迁移、健康检查和版本查询等子命令。程序支持 YAML 配置、
.env 注入、结构化日志（zap）、Prometheus 指标与 OpenTelemetry 追踪。

# 核心类型

  - Server: 组装任务存储、制品存储、流水线与 HTTP/Metrics 双端口
  - Middleware: HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve、poll、migrate、version、health
  - 中间件链：Recovery、RequestID、SecurityHeaders、RequestLogger、
    Metrics、OTelTracing、CORS、RateLimiter（基于 IP）
  - 启动时将上次进程遗留的未完成任务标记为失败
  - 优雅关闭：信号监听 → 关闭 HTTP → 中断流水线 → 关闭 Metrics → 释放连接
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
