// 版权所有 2024 MeshForge Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

// Package api defines the wire types of the MeshForge HTTP API.
//
// # API Overview
//
//   - POST /api/v1/jobs: multipart upload of four photos, returns 202 with the job id
//   - GET /api/v1/jobs/{id}: current job snapshot
//   - GET /api/v1/jobs/{id}/watch: WebSocket stream of job snapshots
//   - GET /health, /healthz, /ready, /version
//   - GET /artifacts/*: stored artifacts when the local store is active
//
// Every JSON response uses the Response envelope:
//
//	{"success": true, "data": {...}, "timestamp": "...", "request_id": "..."}
//
// # Idempotency
//
// POST /api/v1/jobs accepts an Idempotency-Key header. A repeated key returns
// the job created by the first request.
package api
