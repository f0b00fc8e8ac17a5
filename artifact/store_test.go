package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
)

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"front.jpg", "front.jpg"},
		{"my photo (1).png", "my_photo_1_.png"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\cat.jpg`, "cat.jpg"},
		{".hidden", "hidden"},
		{"", "file"},
		{"模型.glb", "_.glb"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "job-1/images/front.jpg", ObjectKey("job-1", KindImage, "front.jpg"))
	assert.Equal(t, "job-1/models/model.glb", ObjectKey("job-1", KindModel, "../model.glb"))
}

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	t.Run("local", func(t *testing.T) {
		cfg := config.DefaultStorageConfig()
		cfg.LocalDir = t.TempDir()
		store, err := NewStore(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "local", store.Name())
	})

	t.Run("s3 requires bucket", func(t *testing.T) {
		cfg := config.DefaultStorageConfig()
		cfg.Type = "s3"
		_, err := NewStore(ctx, cfg, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("unknown", func(t *testing.T) {
		cfg := config.DefaultStorageConfig()
		cfg.Type = "ftp"
		_, err := NewStore(ctx, cfg, zap.NewNop())
		assert.ErrorContains(t, err, "unsupported")
	})
}
