package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/internal/tlsutil"
)

// ErrTooLarge is returned when a model exceeds the rehosting ceiling.
var ErrTooLarge = errors.New("artifact exceeds size limit")

// =============================================================================
// ⬇️ 模型下载器
// =============================================================================

// Downloader fetches a finished model with a bounded timeout and size.
type Downloader struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
	logger   *zap.Logger
}

// DownloaderOption customizes a Downloader.
type DownloaderOption func(*Downloader)

// WithHTTPClient replaces the default hardened client.
func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) { d.client = c }
}

// NewDownloader creates a Downloader with the given timeout and ceiling.
func NewDownloader(timeout time.Duration, maxBytes int64, logger *zap.Logger, opts ...DownloaderOption) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{
		client:   tlsutil.SecureHTTPClient(0, tlsutil.WithRoundTripper(telemetry.NewTransport)),
		timeout:  timeout,
		maxBytes: maxBytes,
		logger:   logger.With(zap.String("component", "downloader")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxBytes returns the size ceiling.
func (d *Downloader) MaxBytes() int64 { return d.maxBytes }

// Download reads at most MaxBytes from url. Larger bodies, detected from
// Content-Length or while reading, return ErrTooLarge.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("download %s: unexpected status %d", url, resp.StatusCode)
	}
	if resp.ContentLength > d.maxBytes {
		return nil, "", fmt.Errorf("%w: content length %d > %d", ErrTooLarge, resp.ContentLength, d.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, d.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	d.logger.Debug("artifact downloaded", zap.String("url", url), zap.Int("size", len(data)))
	return data, contentType, nil
}
