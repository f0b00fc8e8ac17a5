package prediction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/testutil"
	"github.com/BaSui01/meshforge/testutil/mocks"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🧪 Client 测试
// =============================================================================

func newTestClient(baseURL string) *Client {
	return NewClient(Options{
		BaseURL:         baseURL,
		APIKey:          "r8_test",
		ModelVersion:    "v-hunyuan3d",
		Timeout:         2 * time.Second,
		PollInterval:    5 * time.Millisecond,
		MaxPollAttempts: 10,
	}, nil, zap.NewNop())
}

var fourURLs = []string{
	"https://cdn.example.com/a.jpg",
	"https://cdn.example.com/b.jpg",
	"https://cdn.example.com/c.jpg",
	"https://cdn.example.com/d.jpg",
}

func TestSubmit_RequestShape(t *testing.T) {
	srv := mocks.NewPredictionServer(t)
	c := newTestClient(srv.URL)

	params := types.DefaultGenerationParams()
	params.Caption = "a ceramic mug"

	pred, err := c.Submit(context.Background(), SubmitRequest{ImageURLs: fourURLs, Params: params})
	require.NoError(t, err)
	assert.Equal(t, "pred-123", pred.ID)
	assert.Equal(t, StatusStarting, pred.Status)
	assert.Equal(t, "Bearer r8_test", srv.LastAuthorization())

	body := srv.LastSubmit()
	assert.Equal(t, "v-hunyuan3d", body["version"])
	input := body["input"].(map[string]any)
	assert.Equal(t, fourURLs[0], input["image"])
	assert.Equal(t, []any{fourURLs[1], fourURLs[2], fourURLs[3]}, input["multiple_views"])
	assert.Equal(t, "a ceramic mug", input["caption"])
	assert.Equal(t, float64(50), input["steps"])
	assert.Equal(t, 7.5, input["guidance_scale"])
	assert.Equal(t, float64(256), input["octree_resolution"])
	assert.Equal(t, float64(1234), input["seed"])
	assert.Equal(t, true, input["check_box_rembg"])
	assert.Equal(t, false, input["shape_only"])
}

func TestNewInput_PadsViewsWithNull(t *testing.T) {
	in := NewInput(fourURLs[:2], types.DefaultGenerationParams())
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, []any{fourURLs[1], nil, nil}, decoded["multiple_views"])
	assert.Equal(t, fourURLs[0], decoded["image"])
}

func TestSubmit_MissingAPIKey(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL}, nil, nil)
	_, err := c.Submit(context.Background(), SubmitRequest{ImageURLs: fourURLs})
	testutil.AssertErrorCode(t, err, types.ErrConfigError)
	assert.Zero(t, calls.Load())
}

func TestSubmit_UpstreamErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		message   string
	}{
		{"validation", http.StatusUnprocessableEntity, `{"detail":"input.steps must be <= 100"}`, false, "input.steps must be <= 100"},
		{"rate limited", http.StatusTooManyRequests, `{"detail":"throttled"}`, true, "throttled"},
		{"server error", http.StatusBadGateway, `upstream exploded`, true, "upstream exploded"},
		{"error field", http.StatusUnauthorized, `{"error":"invalid token"}`, false, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mocks.NewPredictionServer(t).WithSubmitError(tt.status, tt.body)
			c := newTestClient(srv.URL)

			_, err := c.Submit(context.Background(), SubmitRequest{ImageURLs: fourURLs, Params: types.DefaultGenerationParams()})
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrUpstreamError, e.Code)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Contains(t, e.Message, tt.message)
		})
	}
}

func TestSubmit_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>not json</html>`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), SubmitRequest{ImageURLs: fourURLs})
	testutil.AssertErrorCode(t, err, types.ErrUpstreamError)
}

func TestSubmit_MissingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"starting"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Submit(context.Background(), SubmitRequest{ImageURLs: fourURLs})
	testutil.AssertErrorCode(t, err, types.ErrUpstreamError)
}

func TestGet_KeepsRawBody(t *testing.T) {
	srv := mocks.NewPredictionServer(t)
	c := newTestClient(srv.URL)

	pred, err := c.Get(context.Background(), "pred-123")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, srv.ModelURL(), pred.ModelURL())
	assert.Contains(t, string(pred.Raw), `"predict_time"`)
	assert.Equal(t, 1.5, pred.Metrics["predict_time"])
}

func TestPollUntilTerminal_Succeeds(t *testing.T) {
	srv := mocks.NewPredictionServer(t).WithStatuses("starting", "processing", "processing", "succeeded")
	c := newTestClient(srv.URL)

	var snapshots []Status
	pred, err := c.PollUntilTerminal(context.Background(), "pred-123", func(p *Prediction) {
		snapshots = append(snapshots, p.Status)
		assert.NotEmpty(t, p.Raw)
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, []Status{StatusStarting, StatusProcessing, StatusProcessing, StatusSucceeded}, snapshots)
	assert.Equal(t, 4, srv.PollCount())
}

func TestPollUntilTerminal_UpstreamFailedIsTerminal(t *testing.T) {
	srv := mocks.NewPredictionServer(t).
		WithStatuses("processing", "failed").
		WithUpstreamError("CUDA out of memory")
	c := newTestClient(srv.URL)

	pred, err := c.PollUntilTerminal(context.Background(), "pred-123", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, pred.Status)
	assert.Equal(t, "CUDA out of memory", pred.ErrorMessage())
	assert.Empty(t, pred.ModelURL())
}

func TestPollUntilTerminal_TransientErrorsCountTowardBudget(t *testing.T) {
	srv := mocks.NewPredictionServer(t).WithPollFailures(3).WithStatuses("succeeded")
	c := newTestClient(srv.URL)

	var snapshots int
	pred, err := c.PollUntilTerminal(context.Background(), "pred-123", func(*Prediction) { snapshots++ })
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, 4, srv.PollCount())
	assert.Equal(t, 1, snapshots, "failed polls must not produce snapshots")
}

func TestPollUntilTerminal_Timeout(t *testing.T) {
	srv := mocks.NewPredictionServer(t).WithStatuses("processing")
	c := newTestClient(srv.URL)

	_, err := c.PollUntilTerminal(context.Background(), "pred-123", nil)
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
	assert.Contains(t, err.Error(), "10 attempts")
	assert.Equal(t, 10, srv.PollCount())
}

func TestPollUntilTerminal_AllAttemptsFail(t *testing.T) {
	srv := mocks.NewPredictionServer(t).WithPollFailures(100)
	c := newTestClient(srv.URL)

	_, err := c.PollUntilTerminal(context.Background(), "pred-123", nil)
	testutil.AssertErrorCode(t, err, types.ErrTimeout)
	assert.Equal(t, 10, srv.PollCount())
}

func TestPollUntilTerminal_Cancelled(t *testing.T) {
	srv := mocks.NewPredictionServer(t).WithStatuses("processing")
	c := NewClient(Options{
		BaseURL:         srv.URL,
		APIKey:          "k",
		PollInterval:    time.Hour,
		MaxPollAttempts: 60,
	}, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.PollUntilTerminal(ctx, "pred-123", nil)
	testutil.AssertErrorCode(t, err, types.ErrCancelled)
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, srv.PollCount())
}

func TestPollUntilTerminal_InFlightGetSurvivesStop(t *testing.T) {
	started := make(chan struct{})
	var once atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "pred-123",
			"status": "succeeded",
			"output": []string{"https://cdn.example.com/model.glb"},
		})
	}))
	t.Cleanup(srv.Close)
	c := newTestClient(srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	pred, err := c.PollUntilTerminal(ctx, "pred-123", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, pred.Status)
	assert.Equal(t, "https://cdn.example.com/model.glb", pred.ModelURL())
}

func TestCancel(t *testing.T) {
	srv := mocks.NewPredictionServer(t)
	c := newTestClient(srv.URL)

	require.NoError(t, c.Cancel(context.Background(), "pred-123"))
	assert.Equal(t, 1, srv.CancelCount())
}

// =============================================================================
// 🧪 Prediction 解析测试
// =============================================================================

func TestOutput_Unmarshal(t *testing.T) {
	tests := []struct {
		name string
		json string
		want Output
	}{
		{"null", `null`, nil},
		{"string", `"https://x/model.glb"`, Output{"https://x/model.glb"}},
		{"array", `["https://x/a.obj", 3, "https://x/b.glb"]`, Output{"https://x/a.obj", "https://x/b.glb"}},
		{"object", `{"mesh":"https://x/m.glb","preview":"https://x/p.png"}`, Output{"https://x/m.glb", "https://x/p.png"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Prediction
			require.NoError(t, json.Unmarshal([]byte(`{"id":"p","status":"succeeded","output":`+tt.json+`}`), &p))
			assert.Equal(t, tt.want, p.Output)
		})
	}
}

func TestModelURL_PrefersGLB(t *testing.T) {
	p := &Prediction{Output: Output{"https://x/preview.png", "https://x/mesh.GLB?sig=1"}}
	assert.Equal(t, "https://x/mesh.GLB?sig=1", p.ModelURL())

	p = &Prediction{Output: Output{"https://x/mesh.obj"}}
	assert.Equal(t, "https://x/mesh.obj", p.ModelURL())

	assert.Empty(t, (&Prediction{}).ModelURL())
}

func TestErrorMessage(t *testing.T) {
	assert.Empty(t, (&Prediction{}).ErrorMessage())
	assert.Empty(t, (&Prediction{Error: json.RawMessage("null")}).ErrorMessage())
	assert.Equal(t, "boom", (&Prediction{Error: json.RawMessage(`"boom"`)}).ErrorMessage())
	assert.Equal(t, `{"code":1}`, (&Prediction{Error: json.RawMessage(`{"code":1}`)}).ErrorMessage())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusStarting.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
	assert.True(t, StatusSucceeded.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
}
