// Copyright (c) MeshForge Authors.
// Licensed under the MIT License.

/*
Package types 提供 MeshForge 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 pipeline、jobstore、
prediction、api 等上层模块提供统一的类型契约。

# 核心类型

  - Job / JobStatus: 生成任务记录与状态机（pending → processing → completed | failed）
  - GenerationParams: 提交时固定的生成参数快照
  - UploadedImage: 已上传的预处理图片
  - CompressionStat: 单张图片的压缩统计
  - Error / ErrorCode: 结构化错误体系，含 HTTP 状态码、Retryable 与图片下标

# 主要能力

  - 状态迁移校验：JobStatus.CanTransitionTo / Job.Transition / Job.Fail
  - 记录不变量：Job.Validate（failed 必有 errorMessage，completed 必有 modelUrl）
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - Context 传播：WithRequestID / WithJobID / WithPredictionID / WithTraceID
*/
package types
