package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/testutil"
	"github.com/BaSui01/meshforge/testutil/fixtures"
	"github.com/BaSui01/meshforge/types"
)

func newStatusServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func writeEnvelope(w http.ResponseWriter, status int, resp api.Response) {
	resp.Timestamp = time.Now()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func TestHTTPStatusFetcher_FetchJob(t *testing.T) {
	want := fixtures.CompletedJob()
	paths := make(chan string, 1)
	srv := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		writeEnvelope(w, http.StatusOK, api.Response{Success: true, Data: want})
	})

	job, err := NewHTTPStatusFetcher(srv.URL+"/").FetchJob(testutil.TestContext(t), want.ID)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/jobs/"+want.ID, <-paths)
	assert.Equal(t, want.ID, job.ID)
	assert.Equal(t, types.JobStatusCompleted, job.Status)
	assert.Equal(t, want.ModelURL, job.ModelURL)
	assert.Len(t, job.UploadedImages, 4)
}

func TestHTTPStatusFetcher_NotFound(t *testing.T) {
	srv := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, api.Response{
			Error: &api.ErrorInfo{Code: string(types.ErrNotFound), Message: "job missing not found"},
		})
	})

	_, err := NewHTTPStatusFetcher(srv.URL).FetchJob(testutil.TestContext(t), "missing")
	testutil.AssertErrorCode(t, err, types.ErrNotFound)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, e.HTTPStatus)
}

func TestHTTPStatusFetcher_ServerErrorWithoutEnvelope(t *testing.T) {
	srv := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := NewHTTPStatusFetcher(srv.URL).FetchJob(testutil.TestContext(t), "job-1")
	testutil.AssertErrorCode(t, err, types.ErrUnavailable)
	assert.True(t, types.IsRetryable(err))
}

func TestHTTPStatusFetcher_MalformedBody(t *testing.T) {
	srv := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	})

	_, err := NewHTTPStatusFetcher(srv.URL).FetchJob(testutil.TestContext(t), "job-1")
	testutil.AssertErrorCode(t, err, types.ErrInternalError)
}

func TestHTTPStatusFetcher_DrivesPoller(t *testing.T) {
	job := fixtures.PendingJob()
	var calls atomic.Int32
	srv := newStatusServer(t, func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		snapshot := job.Clone()
		switch {
		case n == 2:
			snapshot.Status = types.JobStatusProcessing
		case n >= 3:
			snapshot.Status = types.JobStatusCompleted
			snapshot.ModelURL = "https://cdn.example.com/model.glb"
		}
		writeEnvelope(w, http.StatusOK, api.Response{Success: true, Data: snapshot})
	})

	poller := NewPoller(NewHTTPStatusFetcher(srv.URL), fastConfig(), nil)
	got, err := poller.Poll(testutil.TestContext(t), job.ID, nil)
	require.NoError(t, err)
	testutil.AssertJobStatus(t, got, types.JobStatusCompleted)
	assert.Equal(t, int32(3), calls.Load())
}
