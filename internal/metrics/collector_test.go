package metrics

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWithRegistry("test", prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := newTestCollector(t)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.jobsFinished)
	assert.NotNil(t, collector.stageDuration)
	assert.NotNil(t, collector.uploadAttempts)
	assert.NotNil(t, collector.predictionPolls)
}

func TestNewCollectorWithRegistry_DuplicateNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollectorWithRegistry("dup", reg, nil)

	assert.Panics(t, func() {
		NewCollectorWithRegistry("dup", reg, nil)
	})
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordHTTPRequest("GET", "/api/v1/jobs", 200, 100*time.Millisecond, 1024, 2048)
	collector.RecordHTTPRequest("GET", "/api/v1/jobs", 200, 50*time.Millisecond, 512, 1024)
	collector.RecordHTTPRequest("POST", "/api/v1/jobs", 400, 10*time.Millisecond, 512, 64)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("GET", "/api/v1/jobs", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.httpRequestsTotal.WithLabelValues("POST", "/api/v1/jobs", "4xx")))
}

func TestCollector_JobLifecycle(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordJobSubmitted()
	collector.RecordJobSubmitted()
	collector.RecordJobStarted()
	collector.RecordJobStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsInFlight))

	collector.RecordJobFinished("completed", 90*time.Second)
	collector.RecordJobFinished("failed", 3*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.jobsInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFinished.WithLabelValues("failed")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.jobDuration))
}

func TestCollector_RecordStage(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordStage("preprocess", nil, 200*time.Millisecond)
	collector.RecordStage("upload_images", errors.New("boom"), time.Second)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.stageDuration))
}

func TestCollector_UploadAndPollOutcomes(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordUploadAttempt("image", errors.New("503"))
	collector.RecordUploadAttempt("image", nil)
	collector.RecordUploadAttempt("model", nil)
	collector.RecordPredictionPoll(nil)
	collector.RecordPredictionPoll(errors.New("reset"))
	collector.RecordModelFallback()

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.uploadAttempts.WithLabelValues("image", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.uploadAttempts.WithLabelValues("image", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.uploadAttempts.WithLabelValues("model", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.predictionPolls.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.modelFallbacks))
}

func TestCollector_RecordImageSize(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordImageSize(12<<20, 3<<20)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.imageBytes))
}

func TestCollector_RecordCacheOperation(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordCacheHit("idempotency")
	collector.RecordCacheMiss("idempotency")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("idempotency")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.cacheMisses.WithLabelValues("idempotency")))
}

func TestCollector_RecordDatabase(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordDBQuery("postgres", "update", 20*time.Millisecond)
	collector.RecordDBConnections("postgres", 10, 5)

	assert.Greater(t, testutil.CollectAndCount(collector.dbQueryDuration), 0)
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.dbConnectionsOpen.WithLabelValues("postgres")))
	assert.Equal(t, 5.0, testutil.ToFloat64(collector.dbConnectionsIdle.WithLabelValues("postgres")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordHTTPRequest("GET", "/test", 200, 100*time.Millisecond, 1024, 2048)
			collector.RecordJobSubmitted()
			collector.RecordCacheHit("redis")
		}()
	}
	wg.Wait()

	require.Equal(t, 10.0, testutil.ToFloat64(collector.jobsSubmitted))
	assert.Equal(t, 10.0, testutil.ToFloat64(collector.cacheHits.WithLabelValues("redis")))
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{200, "2xx"},
		{302, "3xx"},
		{404, "4xx"},
		{503, "5xx"},
		{100, "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusCode(tt.code))
	}
}
