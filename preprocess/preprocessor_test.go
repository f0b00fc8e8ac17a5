package preprocess

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/testutil"
	"github.com/BaSui01/meshforge/testutil/fixtures"
	"github.com/BaSui01/meshforge/types"
)

// =============================================================================
// 🧪 Preprocessor 测试
// =============================================================================

func photos(payloads ...[]byte) []Image {
	names := []string{"front.png", "left.png", "right.png", "back.png"}
	images := make([]Image, len(payloads))
	for i, p := range payloads {
		images[i] = Image{Filename: names[i%len(names)], ContentType: "image/png", Data: p}
	}
	return images
}

func TestProcess_WrongCount(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())

	for _, n := range []int{0, 3, 5} {
		payloads := make([][]byte, n)
		for i := range payloads {
			payloads[i] = fixtures.PNG(8, 8)
		}
		_, err := p.Process(context.Background(), photos(payloads...))
		testutil.AssertErrorCode(t, err, types.ErrInvalidInput)
	}
}

func TestProcess_EmptyImage(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	small := fixtures.PNG(8, 8)

	_, err := p.Process(context.Background(), photos(small, small, nil, small))
	require.Error(t, err)
	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrInvalidInput, e.Code)
	assert.Equal(t, 2, e.Index)
}

func TestProcess_SmallImagesPassThrough(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	payloads := [][]byte{
		fixtures.JPEGOfSize(1*fixtures.MiB, 0x01),
		fixtures.JPEGOfSize(1*fixtures.MiB, 0x02),
		fixtures.JPEGOfSize(1*fixtures.MiB, 0x03),
		fixtures.JPEGOfSize(1*fixtures.MiB, 0x04),
	}
	input := photos(payloads...)

	res, err := p.Process(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, res.Images, 4)
	require.Len(t, res.Stats, 4)

	for i := range input {
		assert.Equal(t, input[i].Data, res.Images[i].Data, "image %d must be byte-identical", i)
		assert.Equal(t, input[i].Filename, res.Images[i].Filename)
		assert.Equal(t, "image/png", res.Images[i].ContentType)
		assert.Equal(t, res.Stats[i].OriginalSizeBytes, res.Stats[i].CompressedSizeBytes)
	}
}

func TestProcess_ExactlyThresholdPassesThrough(t *testing.T) {
	cfg := DefaultConfig()
	p := New(cfg, zap.NewNop())
	edge := fixtures.JPEGOfSize(int(cfg.PassThroughBytes), 0x7f)
	require.Len(t, edge, int(cfg.PassThroughBytes))
	small := fixtures.PNG(8, 8)

	res, err := p.Process(context.Background(), photos(edge, small, small, small))
	require.NoError(t, err)
	assert.Equal(t, edge, res.Images[0].Data)
}

// 12MB + 3x1MB: 仅第一张被压缩，其余透传，顺序保持
func TestProcess_OversizedImageCompressed(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	large := fixtures.PNGAtLeast(12 * fixtures.MiB)
	require.Greater(t, len(large), 10*fixtures.MiB)
	small := fixtures.PNGAtLeast(1 * fixtures.MiB)

	res, err := p.Process(context.Background(), photos(large, small, small, small))
	require.NoError(t, err)

	first := res.Images[0]
	assert.Equal(t, "front.jpg", first.Filename)
	assert.Equal(t, JPEGContentType, first.ContentType)
	assert.LessOrEqual(t, len(first.Data), 5*fixtures.MiB)

	w, h, format, err := fixtures.Decode(first.Data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.LessOrEqual(t, w, 1024)
	assert.LessOrEqual(t, h, 1024)

	assert.Equal(t, int64(len(large)), res.Stats[0].OriginalSizeBytes)
	assert.Equal(t, int64(len(first.Data)), res.Stats[0].CompressedSizeBytes)
	assert.Equal(t, "front.jpg", res.Stats[0].Filename)

	for i := 1; i < 4; i++ {
		assert.Equal(t, small, res.Images[i].Data)
		assert.Equal(t, res.Stats[i].OriginalSizeBytes, res.Stats[i].CompressedSizeBytes)
	}
	assert.Equal(t, "left.png", res.Images[1].Filename)
	assert.Equal(t, "back.png", res.Images[3].Filename)
}

func TestProcess_SecondPassWhenPrimaryTooLarge(t *testing.T) {
	// 阈值缩小以便用小图触发二次压缩
	cfg := Config{
		ImageCount:       4,
		PassThroughBytes: 1024,
		SecondPassBytes:  1,
		Primary:          Pass{MaxDimension: 256, Quality: 85},
		Secondary:        Pass{MaxDimension: 100, Quality: 75},
	}
	p := New(cfg, zap.NewNop())
	img := fixtures.PNG(400, 300)
	small := fixtures.PNG(8, 8)

	res, err := p.Process(context.Background(), photos(img, small, small, small))
	require.NoError(t, err)

	w, h, format, err := fixtures.Decode(res.Images[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 100, w)
	assert.Equal(t, 75, h)
}

func TestProcess_PrimaryPassKeepsAspectRatio(t *testing.T) {
	cfg := Config{
		ImageCount:       4,
		PassThroughBytes: 1024,
		SecondPassBytes:  10 * fixtures.MiB,
		Primary:          Pass{MaxDimension: 200, Quality: 85},
		Secondary:        Pass{MaxDimension: 100, Quality: 75},
	}
	p := New(cfg, zap.NewNop())
	small := fixtures.PNG(8, 8)

	res, err := p.Process(context.Background(), photos(small, fixtures.PNG(300, 600), small, small))
	require.NoError(t, err)

	w, h, _, err := fixtures.Decode(res.Images[1].Data)
	require.NoError(t, err)
	assert.Equal(t, 100, w)
	assert.Equal(t, 200, h)
	assert.Equal(t, "left.jpg", res.Images[1].Filename)
}

func TestProcess_UndecodableImage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PassThroughBytes = 16
	p := New(cfg, zap.NewNop())
	small := fixtures.PNG(8, 8)

	_, err := p.Process(context.Background(), photos(small, small, fixtures.TruncatedJPEG(64), small))
	require.Error(t, err)

	e, ok := types.AsError(err)
	require.True(t, ok)
	assert.Equal(t, types.ErrPreprocessError, e.Code)
	assert.Equal(t, 2, e.Index)
	assert.Contains(t, e.Message, "right.png")
}

func TestValidate_RejectsNonImages(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	small := fixtures.PNG(8, 8)

	tests := []struct {
		name    string
		payload []byte
	}{
		{"plain text", []byte("hello, not an image")},
		{"filler bytes", fixtures.Blob(1024, 0x01)},
		{"html", []byte("<!doctype html><html></html>")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			images := photos(small, tt.payload, small, small)
			images[1].ContentType = "text/plain"

			err := p.Validate(images)
			require.Error(t, err)
			e, ok := types.AsError(err)
			require.True(t, ok)
			assert.Equal(t, types.ErrInvalidInput, e.Code)
			assert.Equal(t, 1, e.Index)
			assert.Contains(t, e.Message, "left.png")

			_, err = p.Process(context.Background(), images)
			testutil.AssertErrorCode(t, err, types.ErrInvalidInput)
		})
	}
}

func TestValidate_AcceptsRegisteredFormats(t *testing.T) {
	p := New(DefaultConfig(), zap.NewNop())
	assert.NoError(t, p.Validate(photos(
		fixtures.PNG(8, 8),
		fixtures.JPEG(8, 8, 90),
		fixtures.JPEGOfSize(4096, 0x00),
		fixtures.TruncatedJPEG(0),
	)))
}

func TestProcess_CancelledContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PassThroughBytes = 16
	p := New(cfg, zap.NewNop())
	img := fixtures.PNG(64, 64)

	_, err := p.Process(testutil.CancelledContext(), photos(img, img, img, img))
	testutil.AssertErrorCode(t, err, types.ErrCancelled)
}

func TestJPEGFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"photo.png", "photo.jpg"},
		{"photo.JPEG", "photo.jpg"},
		{"archive.tar.webp", "archive.tar.jpg"},
		{"noext", "noext.jpg"},
		{".png", "image.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, JPEGFilename(tt.in))
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 4, cfg.ImageCount)
	assert.Equal(t, int64(10*fixtures.MiB), cfg.PassThroughBytes)
	assert.Equal(t, int64(5*fixtures.MiB), cfg.SecondPassBytes)
	assert.Equal(t, Pass{MaxDimension: 1024, Quality: 85}, cfg.Primary)
	assert.Equal(t, Pass{MaxDimension: 800, Quality: 75}, cfg.Secondary)
}
