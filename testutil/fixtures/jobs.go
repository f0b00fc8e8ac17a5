// =============================================================================
// 📦 测试数据工厂 - 任务测试数据
// =============================================================================
package fixtures

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/meshforge/types"
)

// FixedTime 测试使用的固定时间
var FixedTime = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// PendingJob 返回一个新建的 pending 任务
func PendingJob() *types.Job {
	return types.NewJob(uuid.NewString(), types.DefaultGenerationParams(), FixedTime)
}

// ProcessingJob 返回已上传图片、已提交预测的 processing 任务
func ProcessingJob() *types.Job {
	job := PendingJob()
	job.Status = types.JobStatusProcessing
	job.UploadedImages = []types.UploadedImage{
		{URL: "https://cdn.example.com/a.jpg", Filename: "a.jpg", SizeBytes: 1024},
		{URL: "https://cdn.example.com/b.jpg", Filename: "b.jpg", SizeBytes: 2048},
		{URL: "https://cdn.example.com/c.jpg", Filename: "c.jpg", SizeBytes: 3072},
		{URL: "https://cdn.example.com/d.jpg", Filename: "d.jpg", SizeBytes: 4096},
	}
	job.CompressionStats = []types.CompressionStat{
		{Filename: "a.jpg", OriginalSizeBytes: 12 * MiB, CompressedSizeBytes: 1024},
		{Filename: "b.jpg", OriginalSizeBytes: 2048, CompressedSizeBytes: 2048},
		{Filename: "c.jpg", OriginalSizeBytes: 3072, CompressedSizeBytes: 3072},
		{Filename: "d.jpg", OriginalSizeBytes: 4096, CompressedSizeBytes: 4096},
	}
	job.PredictionID = "pred-" + job.ID[:8]
	job.UpstreamSnapshot = json.RawMessage(`{"id":"` + job.PredictionID + `","status":"processing"}`)
	return job
}

// CompletedJob 返回已完成的任务
func CompletedJob() *types.Job {
	job := ProcessingJob()
	job.Status = types.JobStatusCompleted
	job.ModelURL = "https://cdn.example.com/models/model.glb"
	job.OriginalModelURL = "https://replicate.delivery/model.glb"
	job.ProcessingTimeMs = 42000
	return job
}

// FailedJob 返回失败的任务
func FailedJob(message string) *types.Job {
	job := ProcessingJob()
	job.Status = types.JobStatusFailed
	job.ErrorMessage = message
	return job
}
