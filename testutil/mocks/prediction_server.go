// PredictionServer 预测服务的 httptest 模拟实现。
//
// 支持状态序列、提交失败、轮询失败注入与模型文件下载。
package mocks

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// --- PredictionServer 结构 ---

// PredictionServer 模拟外部预测服务，同时托管生成的模型文件
type PredictionServer struct {
	*httptest.Server

	mu sync.Mutex

	// 响应配置
	predictionID string
	statuses     []string
	output       []string
	upstreamErr  string
	submitStatus int
	submitBody   string
	pollFailures int
	model        []byte

	// 调用记录
	submits        []map[string]any
	authHeaders    []string
	polls          int
	cancels        int
	modelDownloads int
}

// NewPredictionServer 创建并启动模拟服务，测试结束时自动关闭
func NewPredictionServer(t testing.TB) *PredictionServer {
	t.Helper()
	s := &PredictionServer{
		predictionID: "pred-123",
		statuses:     []string{"succeeded"},
		model:        make([]byte, 1024),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /predictions", s.handleSubmit)
	mux.HandleFunc("GET /predictions/{id}", s.handleGet)
	mux.HandleFunc("POST /predictions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /files/model.glb", s.handleModel)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// --- Builder 方法 ---

// WithStatuses 设置轮询返回的状态序列，最后一个状态重复返回
func (s *PredictionServer) WithStatuses(statuses ...string) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = statuses
	return s
}

// WithOutput 设置成功时的输出 URL 列表
func (s *PredictionServer) WithOutput(urls ...string) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.output = urls
	return s
}

// WithUpstreamError 设置 failed 状态携带的错误信息
func (s *PredictionServer) WithUpstreamError(message string) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamErr = message
	return s
}

// WithSubmitError 让提交请求返回指定状态码与响应体
func (s *PredictionServer) WithSubmitError(status int, body string) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitStatus = status
	s.submitBody = body
	return s
}

// WithPollFailures 让前 n 次轮询返回 500
func (s *PredictionServer) WithPollFailures(n int) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollFailures = n
	return s
}

// WithModel 设置模型文件内容
func (s *PredictionServer) WithModel(data []byte) *PredictionServer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = data
	return s
}

// --- 查询方法 ---

// ModelURL 返回模拟模型文件地址
func (s *PredictionServer) ModelURL() string {
	return s.URL + "/files/model.glb"
}

// PredictionID 返回模拟预测 ID
func (s *PredictionServer) PredictionID() string {
	return s.predictionID
}

// SubmitCount 返回提交次数
func (s *PredictionServer) SubmitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

// LastSubmit 返回最近一次提交的请求体
func (s *PredictionServer) LastSubmit() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submits) == 0 {
		return nil
	}
	return s.submits[len(s.submits)-1]
}

// LastAuthorization 返回最近一次请求的 Authorization 头
func (s *PredictionServer) LastAuthorization() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.authHeaders) == 0 {
		return ""
	}
	return s.authHeaders[len(s.authHeaders)-1]
}

// PollCount 返回轮询次数（含失败）
func (s *PredictionServer) PollCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// CancelCount 返回取消请求次数
func (s *PredictionServer) CancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// ModelDownloads 返回模型下载次数
func (s *PredictionServer) ModelDownloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modelDownloads
}

// --- 处理函数 ---

func (s *PredictionServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req map[string]any
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	s.submits = append(s.submits, req)
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	status, errBody := s.submitStatus, s.submitBody
	s.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, errBody)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": s.predictionID, "status": "starting"})
}

func (s *PredictionServer) handleGet(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++
	s.authHeaders = append(s.authHeaders, r.Header.Get("Authorization"))
	n := s.polls
	if n <= s.pollFailures {
		s.mu.Unlock()
		http.Error(w, `{"detail":"temporarily unavailable"}`, http.StatusInternalServerError)
		return
	}
	idx := n - s.pollFailures - 1
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	status := s.statuses[idx]
	output := s.output
	upstreamErr := s.upstreamErr
	s.mu.Unlock()

	resp := map[string]any{
		"id":      r.PathValue("id"),
		"status":  status,
		"output":  nil,
		"error":   nil,
		"metrics": map[string]any{"predict_time": 1.5},
	}
	switch status {
	case "succeeded":
		if output == nil {
			output = []string{s.ModelURL()}
		}
		resp["output"] = output
	case "failed":
		if upstreamErr == "" {
			upstreamErr = "prediction failed"
		}
		resp["error"] = upstreamErr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *PredictionServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"id": r.PathValue("id"), "status": "canceled"})
}

func (s *PredictionServer) handleModel(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	s.modelDownloads++
	model := s.model
	s.mu.Unlock()

	w.Header().Set("Content-Type", "model/gltf-binary")
	_, _ = w.Write(model)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
