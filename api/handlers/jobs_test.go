package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/client"
	"github.com/BaSui01/meshforge/internal/cache"
	"github.com/BaSui01/meshforge/preprocess"
	"github.com/BaSui01/meshforge/testutil"
	"github.com/BaSui01/meshforge/testutil/fixtures"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🧪 测试辅助
// =============================================================================

type submission struct {
	images []preprocess.Image
	params types.GenerationParams
}

// fakeJobs 内存版 JobService
type fakeJobs struct {
	mu        sync.Mutex
	jobs      map[string]*types.Job
	submitted []submission
	submitErr error
	seq       int
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{jobs: make(map[string]*types.Job)}
}

func (f *fakeJobs) Submit(_ context.Context, images []preprocess.Image, params types.GenerationParams) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	if len(images) != 4 {
		return nil, types.Errorf(types.ErrInvalidInput, "exactly 4 images are required, got %d", len(images))
	}
	f.seq++
	job := types.NewJob(fmt.Sprintf("job-%d", f.seq), params, time.Now())
	f.jobs[job.ID] = job
	f.submitted = append(f.submitted, submission{images: images, params: params})
	return job.Clone(), nil
}

func (f *fakeJobs) Get(_ context.Context, id string) (*types.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "job %s not found", id)
	}
	return job.Clone(), nil
}

func (f *fakeJobs) put(job *types.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job.Clone()
}

func (f *fakeJobs) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
}

func (f *fakeJobs) submissions() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submitted...)
}

type formFile struct {
	name string
	data []byte
}

func fourImages() []formFile {
	return []formFile{
		{"front.png", fixtures.PNG(8, 8)},
		{"back.png", fixtures.PNG(8, 8)},
		{"left.jpg", fixtures.JPEG(8, 8, 90)},
		{"right.jpg", fixtures.JPEG(8, 8, 90)},
	}
}

func multipartRequest(t *testing.T, files []formFile, fields map[string]string) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, f := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldImages, f.name))
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	r := httptest.NewRequest(http.MethodPost, api.JobsPath, &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, data any) api.Response {
	t.Helper()
	var resp api.Response
	raw := json.RawMessage{}
	resp.Data = &raw
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	if data != nil && len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, data))
	}
	return resp
}

func newTestMux(h *JobHandler) *http.ServeMux {
	mux := http.NewServeMux()
	h.Register(mux)
	return mux
}

// =============================================================================
// 🧪 创建任务
// =============================================================================

func TestJobHandler_Create_Accepted(t *testing.T) {
	jobs := newFakeJobs()
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop()))

	r := multipartRequest(t, fourImages(), map[string]string{
		FieldCaption:          "a wooden chair",
		FieldSteps:            "30",
		FieldGuidanceScale:    "5.5",
		FieldOctreeResolution: "384",
		FieldSeed:             "7",
		FieldCheckBoxRembg:    "false",
		FieldShapeOnly:        "true",
	})
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var created api.CreateJobResponse
	resp := decodeResponse(t, w, &created)
	assert.True(t, resp.Success)
	assert.Equal(t, "job-1", created.JobID)
	assert.Equal(t, types.JobStatusPending, created.Status)
	assert.Equal(t, api.JobsPath+"/job-1", w.Header().Get("Location"))

	subs := jobs.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, types.GenerationParams{
		Caption:          "a wooden chair",
		Steps:            30,
		GuidanceScale:    5.5,
		OctreeResolution: 384,
		Seed:             7,
		CheckBoxRembg:    false,
		ShapeOnly:        true,
	}, subs[0].params)

	require.Len(t, subs[0].images, 4)
	for i, f := range fourImages() {
		assert.Equal(t, f.name, subs[0].images[i].Filename)
		assert.Equal(t, f.data, subs[0].images[i].Data)
		assert.Equal(t, "image/png", subs[0].images[i].ContentType)
	}
}

func TestJobHandler_Create_DefaultParams(t *testing.T) {
	jobs := newFakeJobs()
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop()))

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, multipartRequest(t, fourImages(), nil))

	require.Equal(t, http.StatusAccepted, w.Code)
	subs := jobs.submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, types.DefaultGenerationParams(), subs[0].params)
}

func TestJobHandler_Create_Rejected(t *testing.T) {
	tests := []struct {
		name       string
		request    func(t *testing.T) *http.Request
		submitErr  error
		wantStatus int
		wantCode   types.ErrorCode
	}{
		{
			name: "malformed steps",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, fourImages(), map[string]string{FieldSteps: "many"})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidInput,
		},
		{
			name: "malformed boolean",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, fourImages(), map[string]string{FieldShapeOnly: "maybe"})
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidInput,
		},
		{
			name: "three images",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, fourImages()[:3], nil)
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidInput,
		},
		{
			name: "not multipart",
			request: func(t *testing.T) *http.Request {
				r := httptest.NewRequest(http.MethodPost, api.JobsPath, strings.NewReader(`{"images":[]}`))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			wantStatus: http.StatusBadRequest,
			wantCode:   types.ErrInvalidInput,
		},
		{
			name: "pipeline at capacity",
			request: func(t *testing.T) *http.Request {
				return multipartRequest(t, fourImages(), nil)
			},
			submitErr:  types.NewError(types.ErrUnavailable, "pipeline is at capacity").WithRetryable(true),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   types.ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			jobs.submitErr = tt.submitErr
			mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop()))

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, tt.request(t))

			assert.Equal(t, tt.wantStatus, w.Code)
			resp := decodeResponse(t, w, nil)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, string(tt.wantCode), resp.Error.Code)
		})
	}
}

func TestJobHandler_Create_BodyTooLarge(t *testing.T) {
	jobs := newFakeJobs()
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{MaxUploadBytes: 1024}, zap.NewNop()))

	files := fourImages()
	files[0].data = fixtures.Blob(4096, 0x7f)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, multipartRequest(t, files, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, jobs.submissions())
}

// =============================================================================
// 🧪 幂等
// =============================================================================

func newIdempotencyCache(t *testing.T) *cache.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{Addr: mr.Addr(), DefaultTTL: time.Minute}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestJobHandler_Create_IdempotencyKeyReplaysJob(t *testing.T) {
	jobs := newFakeJobs()
	mgr := newIdempotencyCache(t)
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{IdempotencyTTL: time.Hour}, zap.NewNop(),
		WithIdempotencyCache(mgr)))

	send := func(key string) (*httptest.ResponseRecorder, api.CreateJobResponse) {
		r := multipartRequest(t, fourImages(), nil)
		r.Header.Set(api.IdempotencyKey, key)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		var created api.CreateJobResponse
		decodeResponse(t, w, &created)
		return w, created
	}

	w1, first := send("order-1")
	require.Equal(t, http.StatusAccepted, w1.Code)
	assert.Empty(t, w1.Header().Get(IdempotentReplayedHeader))

	w2, second := send("order-1")
	require.Equal(t, http.StatusOK, w2.Code)
	assert.Equal(t, "true", w2.Header().Get(IdempotentReplayedHeader))
	assert.Equal(t, first.JobID, second.JobID)

	w3, third := send("order-2")
	require.Equal(t, http.StatusAccepted, w3.Code)
	assert.NotEqual(t, first.JobID, third.JobID)

	assert.Len(t, jobs.submissions(), 2)

	stored, err := mgr.Get(context.Background(), "mf:idem:order-1")
	require.NoError(t, err)
	assert.Equal(t, first.JobID, stored)
}

func TestJobHandler_Create_IdempotencyKeyForMissingJob(t *testing.T) {
	jobs := newFakeJobs()
	mgr := newIdempotencyCache(t)
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{IdempotencyTTL: time.Hour}, zap.NewNop(),
		WithIdempotencyCache(mgr)))

	ctx := context.Background()
	require.NoError(t, mgr.Set(ctx, "mf:idem:order-9", "job-gone", time.Hour))

	r := multipartRequest(t, fourImages(), nil)
	r.Header.Set(api.IdempotencyKey, "order-9")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Header().Get(IdempotentReplayedHeader))
	var created api.CreateJobResponse
	decodeResponse(t, w, &created)

	// 失效的映射被删除，新任务接管该键
	stored, err := mgr.Get(ctx, "mf:idem:order-9")
	require.NoError(t, err)
	assert.Equal(t, created.JobID, stored)
}

func TestJobHandler_Create_IdempotencyKeyTooLong(t *testing.T) {
	jobs := newFakeJobs()
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop()))

	r := multipartRequest(t, fourImages(), nil)
	r.Header.Set(api.IdempotencyKey, strings.Repeat("k", 256))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, jobs.submissions())
}

// =============================================================================
// 🧪 查询与订阅
// =============================================================================

func TestJobHandler_Get(t *testing.T) {
	jobs := newFakeJobs()
	done := fixtures.CompletedJob()
	jobs.put(done)
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop()))

	t.Run("found", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, api.JobsPath+"/"+done.ID, nil))

		require.Equal(t, http.StatusOK, w.Code)
		var got types.Job
		decodeResponse(t, w, &got)
		assert.Equal(t, done.ID, got.ID)
		assert.Equal(t, types.JobStatusCompleted, got.Status)
		assert.Equal(t, done.ModelURL, got.ModelURL)
	})

	t.Run("missing", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, api.JobsPath+"/nope", nil))

		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decodeResponse(t, w, nil)
		assert.Equal(t, string(types.ErrNotFound), resp.Error.Code)
	})
}

func TestJobHandler_Get_CachesTerminalSnapshots(t *testing.T) {
	jobs := newFakeJobs()
	done := fixtures.CompletedJob()
	running := fixtures.ProcessingJob()
	jobs.put(done)
	jobs.put(running)
	mgr := newIdempotencyCache(t)
	mux := newTestMux(NewJobHandler(jobs, JobHandlerConfig{}, zap.NewNop(), WithSnapshotCache(mgr)))

	get := func(id string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, api.JobsPath+"/"+id, nil))
		return w
	}

	require.Equal(t, http.StatusOK, get(done.ID).Code)
	require.Equal(t, http.StatusOK, get(running.ID).Code)

	ctx := context.Background()
	var cached types.Job
	require.NoError(t, mgr.GetJSON(ctx, "mf:snapshot:"+done.ID, &cached))
	assert.Equal(t, done.ModelURL, cached.ModelURL)

	_, err := mgr.Get(ctx, "mf:snapshot:"+running.ID)
	assert.True(t, cache.IsCacheMiss(err), "non-terminal jobs are never cached")

	// 终态任务从缓存返回
	jobs.remove(done.ID)
	w := get(done.ID)
	require.Equal(t, http.StatusOK, w.Code)
	var got types.Job
	decodeResponse(t, w, &got)
	assert.Equal(t, done.ID, got.ID)
	assert.Equal(t, types.JobStatusCompleted, got.Status)

	jobs.remove(running.ID)
	assert.Equal(t, http.StatusNotFound, get(running.ID).Code)
}

func TestJobHandler_Watch_StreamsUntilTerminal(t *testing.T) {
	jobs := newFakeJobs()
	job := fixtures.ProcessingJob()
	jobs.put(job)

	srv := httptest.NewServer(newTestMux(NewJobHandler(jobs, JobHandlerConfig{WatchInterval: 10 * time.Millisecond}, zap.NewNop())))
	defer srv.Close()

	progress := make(chan int, 16)
	go func() {
		_, _ = testutil.WaitForChannel[int](progress, 2*time.Second)
		done := job.Clone()
		_ = done.Transition(types.JobStatusCompleted)
		done.ModelURL = "https://cdn.test/artifacts/models/x.glb"
		done.UpdatedAt = job.UpdatedAt.Add(time.Second)
		jobs.put(done)
	}()

	final, err := client.WatchJob(testutil.TestContextWithTimeout(t, 5*time.Second), srv.URL, job.ID,
		func(u client.Update) { progress <- u.Progress })
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, final.Status)
	assert.Equal(t, "https://cdn.test/artifacts/models/x.glb", final.ModelURL)
}

func TestJobHandler_Watch_UnknownJob(t *testing.T) {
	srv := httptest.NewServer(newTestMux(NewJobHandler(newFakeJobs(), JobHandlerConfig{}, zap.NewNop())))
	defer srv.Close()

	_, err := client.WatchJob(testutil.TestContextWithTimeout(t, 5*time.Second), srv.URL, "ghost", nil)
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
}

func TestParseGenerationParams_EmptyValuesUseDefaults(t *testing.T) {
	params, err := ParseGenerationParams(map[string][]string{
		FieldSteps:   {""},
		FieldCaption: {"a lamp"},
	})
	require.NoError(t, err)

	want := types.DefaultGenerationParams()
	want.Caption = "a lamp"
	assert.Equal(t, want, params)
}
