package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalStore_Put(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, "http://localhost:8080/artifacts/", zap.NewNop())
	require.NoError(t, err)

	url, err := store.Put(context.Background(), "job-1/images/front.jpg", []byte("jpeg-bytes"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/artifacts/job-1/images/front.jpg", url)

	data, err := os.ReadFile(filepath.Join(root, "job-1", "images", "front.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), data)

	// 覆盖写入保持幂等
	_, err = store.Put(context.Background(), "job-1/images/front.jpg", []byte("v2"), "image/jpeg")
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(root, "job-1", "images", "front.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)

	entries, err := os.ReadDir(filepath.Join(root, "job-1", "images"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://localhost/artifacts", zap.NewNop())
	require.NoError(t, err)

	for _, key := range []string{"../outside.jpg", "/abs/file.jpg", "."} {
		_, err := store.Put(context.Background(), key, []byte("x"), "image/jpeg")
		assert.Error(t, err, key)
	}
}

func TestLocalStore_CancelledContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://localhost/artifacts", zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, "job/images/a.jpg", []byte("x"), "image/jpeg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewLocalStore_RequiresRoot(t *testing.T) {
	_, err := NewLocalStore("", "http://localhost", nil)
	assert.Error(t, err)
}
