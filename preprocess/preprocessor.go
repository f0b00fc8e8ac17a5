package preprocess

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/pool"
	"github.com/BaSui01/meshforge/types"
)

// JPEGContentType is the content type of every re-encoded image.
const JPEGContentType = "image/jpeg"

// Image is one uploaded photograph.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Size returns the byte length of the image payload.
func (i Image) Size() int64 { return int64(len(i.Data)) }

// Result holds the processed images and their stats, both in input order.
type Result struct {
	Images []Image
	Stats  []types.CompressionStat
}

// Pass is one resize-and-encode setting.
type Pass struct {
	MaxDimension int
	Quality      int
}

// Config controls the size thresholds and encode passes.
type Config struct {
	ImageCount       int
	PassThroughBytes int64
	SecondPassBytes  int64
	Primary          Pass
	Secondary        Pass
}

// ConfigFrom maps the pipeline section onto a preprocessor config.
func ConfigFrom(cfg config.PipelineConfig) Config {
	return Config{
		ImageCount:       cfg.ImageCount,
		PassThroughBytes: cfg.PassThroughBytes,
		SecondPassBytes:  cfg.SecondPassBytes,
		Primary:          Pass{MaxDimension: cfg.PrimaryMaxDimension, Quality: cfg.PrimaryQuality},
		Secondary:        Pass{MaxDimension: cfg.SecondaryMaxDimension, Quality: cfg.SecondaryQuality},
	}
}

// DefaultConfig returns the stock thresholds (4 images, 10MiB / 5MiB, 1024@85 then 800@75).
func DefaultConfig() Config {
	return ConfigFrom(config.DefaultPipelineConfig())
}

// =============================================================================
// 🖼️ 图片预处理器
// =============================================================================

// Preprocessor shrinks oversized photographs before upload.
type Preprocessor struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Preprocessor.
func New(cfg Config, logger *zap.Logger) *Preprocessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ImageCount <= 0 {
		cfg.ImageCount = 4
	}
	return &Preprocessor{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "preprocess")),
	}
}

// Process validates the batch and processes every image concurrently.
// The first per-image failure aborts the batch with PREPROCESS_ERROR.
func (p *Preprocessor) Process(ctx context.Context, images []Image) (*Result, error) {
	if err := p.Validate(images); err != nil {
		return nil, err
	}

	out := make([]Image, len(images))
	stats := make([]types.CompressionStat, len(images))

	g, gctx := errgroup.WithContext(ctx)
	for i, img := range images {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			processed, err := p.processOne(img)
			if err != nil {
				return types.NewPreprocessError(i, img.Filename, err)
			}
			out[i] = processed
			stats[i] = types.CompressionStat{
				Filename:            processed.Filename,
				OriginalSizeBytes:   img.Size(),
				CompressedSizeBytes: processed.Size(),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, types.NewError(types.ErrCancelled, "preprocessing cancelled").WithCause(ctx.Err())
		}
		return nil, err
	}

	return &Result{Images: out, Stats: stats}, nil
}

// Validate checks the image count and that every payload is a non-empty
// image in a registered format. Only the header is read.
func (p *Preprocessor) Validate(images []Image) error {
	if len(images) != p.cfg.ImageCount {
		return types.Errorf(types.ErrInvalidInput, "exactly %d images are required, got %d", p.cfg.ImageCount, len(images))
	}
	for i, img := range images {
		if len(img.Data) == 0 {
			return types.Errorf(types.ErrInvalidInput, "image %d (%s) is empty", i, img.Filename).WithIndex(i)
		}
		if _, _, err := image.DecodeConfig(bytes.NewReader(img.Data)); err != nil {
			return types.Errorf(types.ErrInvalidInput, "image %d (%s) is not a supported image", i, img.Filename).
				WithIndex(i).WithCause(err)
		}
	}
	return nil
}

func (p *Preprocessor) processOne(img Image) (Image, error) {
	if img.Size() <= p.cfg.PassThroughBytes {
		return img, nil
	}

	src, err := imaging.Decode(bytes.NewReader(img.Data), imaging.AutoOrientation(true))
	if err != nil {
		return Image{}, fmt.Errorf("decode: %w", err)
	}

	data, err := encode(src, p.cfg.Primary)
	if err != nil {
		return Image{}, err
	}
	if int64(len(data)) > p.cfg.SecondPassBytes {
		p.logger.Debug("primary pass still too large, re-encoding",
			zap.String("filename", img.Filename),
			zap.Int("size", len(data)))
		// 二次压缩从原始解码结果开始，避免叠加损失
		data, err = encode(src, p.cfg.Secondary)
		if err != nil {
			return Image{}, err
		}
	}

	p.logger.Debug("image compressed",
		zap.String("filename", img.Filename),
		zap.Int64("original", img.Size()),
		zap.Int("compressed", len(data)),
		zap.Float64("buffer_pool_hit_rate", pool.ByteBufferPool.Stats().HitRate()))

	return Image{
		Filename:    JPEGFilename(img.Filename),
		ContentType: JPEGContentType,
		Data:        data,
	}, nil
}

func encode(src image.Image, pass Pass) ([]byte, error) {
	resized := imaging.Fit(src, pass.MaxDimension, pass.MaxDimension, imaging.Lanczos)

	buf := pool.ByteBufferPool.Get()
	defer pool.ByteBufferPool.Put(buf)

	if err := imaging.Encode(buf, resized, imaging.JPEG, imaging.JPEGQuality(pass.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg q%d: %w", pass.Quality, err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// JPEGFilename replaces the extension of name with .jpg.
func JPEGFilename(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "image"
	}
	return base + ".jpg"
}
