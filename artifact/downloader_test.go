package artifact

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloader_Download(t *testing.T) {
	payload := bytes.Repeat([]byte("g"), 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "model/gltf-binary")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	d := NewDownloader(time.Second, 1<<20, zap.NewNop())
	data, contentType, err := d.Download(context.Background(), srv.URL+"/model.glb")
	require.NoError(t, err)
	assert.Equal(t, payload, data)
	assert.Equal(t, "model/gltf-binary", contentType)
}

func TestDownloader_ContentLengthTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(2048))
		_, _ = w.Write(make([]byte, 2048))
	}))
	defer srv.Close()

	d := NewDownloader(time.Second, 1024, zap.NewNop())
	_, _, err := d.Download(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestDownloader_StreamedBodyTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 分块传输，无 Content-Length
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write(make([]byte, 512))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	d := NewDownloader(time.Second, 1024, zap.NewNop())
	_, _, err := d.Download(context.Background(), srv.URL)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDownloader_ExactlyAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 1024))
	}))
	defer srv.Close()

	d := NewDownloader(time.Second, 1024, zap.NewNop())
	data, contentType, err := d.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Len(t, data, 1024)
	assert.NotEmpty(t, contentType)
}

func TestDownloader_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	d := NewDownloader(time.Second, 1024, zap.NewNop())
	_, _, err := d.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, errors.Is(err, ErrTooLarge))
}

func TestDownloader_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	d := NewDownloader(50*time.Millisecond, 1024, zap.NewNop())
	start := time.Now()
	_, _, err := d.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewDownloader_Defaults(t *testing.T) {
	d := NewDownloader(0, 0, nil)
	assert.Equal(t, 30*time.Second, d.timeout)
	assert.Equal(t, int64(10<<20), d.MaxBytes())
}
