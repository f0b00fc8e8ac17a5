package api

import (
	"time"

	"github.com/BaSui01/meshforge/types"
)

// API 路径
const (
	JobsPath       = "/api/v1/jobs"
	ArtifactsPath  = "/artifacts/"
	IdempotencyKey = "Idempotency-Key"
)

// =============================================================================
// 📦 通用响应结构
// =============================================================================

// Response 统一 API 响应结构
// @Description 所有 JSON 接口共用的响应信封
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorInfo `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
}

// ErrorInfo 错误信息结构
type ErrorInfo struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	HTTPStatus int    `json:"-"`
}

// =============================================================================
// 🧊 任务接口类型
// =============================================================================

// CreateJobResponse 创建任务的响应
// @Description POST /api/v1/jobs 返回 202
type CreateJobResponse struct {
	// 任务 ID（uuid v4）
	JobID string `json:"jobId" example:"0f8fad5b-d9cb-469f-a165-70867728950e"`
	// 初始状态，总是 pending
	Status types.JobStatus `json:"status" example:"pending"`
}

// WatchEventType WebSocket 事件类型
type WatchEventType string

const (
	// WatchEventSnapshot 携带一次任务快照
	WatchEventSnapshot WatchEventType = "snapshot"
	// WatchEventError 服务端读取任务失败，随后关闭连接
	WatchEventError WatchEventType = "error"
)

// WatchEvent 是 /api/v1/jobs/{id}/watch 推送的一帧
type WatchEvent struct {
	Type  WatchEventType `json:"type"`
	Job   *types.Job     `json:"job,omitempty"`
	Error *ErrorInfo     `json:"error,omitempty"`
}

// HealthStatus 健康检查响应
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// CheckResult 单项检查结果
type CheckResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}
