package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/api"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/internal/tlsutil"
	"github.com/BaSui01/meshforge/types"
)

// maxResponseBytes bounds a single status response.
const maxResponseBytes = 4 << 20

// StatusFetcher reads the current snapshot of a job.
type StatusFetcher interface {
	FetchJob(ctx context.Context, jobID string) (*types.Job, error)
}

// jobEnvelope is api.Response with a typed payload.
type jobEnvelope struct {
	Success bool           `json:"success"`
	Data    *types.Job     `json:"data"`
	Error   *api.ErrorInfo `json:"error"`
}

// =============================================================================
// 🌐 HTTP 状态查询
// =============================================================================

// HTTPStatusFetcher calls GET {base}/api/v1/jobs/{id}.
type HTTPStatusFetcher struct {
	baseURL string
	client  *http.Client
}

// FetcherOption customizes an HTTPStatusFetcher.
type FetcherOption func(*HTTPStatusFetcher)

// WithFetcherHTTPClient replaces the default hardened client.
func WithFetcherHTTPClient(c *http.Client) FetcherOption {
	return func(f *HTTPStatusFetcher) { f.client = c }
}

// NewHTTPStatusFetcher creates a fetcher for the API at baseURL.
func NewHTTPStatusFetcher(baseURL string, opts ...FetcherOption) *HTTPStatusFetcher {
	f := &HTTPStatusFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  tlsutil.SecureHTTPClient(15*time.Second, tlsutil.WithRoundTripper(telemetry.NewTransport)),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchJob implements StatusFetcher. Error responses keep the server's code.
func (f *HTTPStatusFetcher) FetchJob(ctx context.Context, jobID string) (*types.Job, error) {
	endpoint := f.baseURL + api.JobsPath + "/" + url.PathEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "status request failed").WithCause(err).WithRetryable(true)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, types.NewError(types.ErrUnavailable, "read status response").WithCause(err).WithRetryable(true)
	}

	var env jobEnvelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && env.Error != nil {
			return nil, types.NewError(types.ErrorCode(env.Error.Code), env.Error.Message).
				WithHTTPStatus(resp.StatusCode).
				WithRetryable(env.Error.Retryable)
		}
		return nil, types.Errorf(types.ErrUnavailable, "status request returned %d", resp.StatusCode).
			WithHTTPStatus(resp.StatusCode).
			WithRetryable(resp.StatusCode >= 500)
	}
	if decodeErr != nil {
		return nil, types.NewError(types.ErrInternalError, "malformed status response").WithCause(decodeErr)
	}
	if !env.Success || env.Data == nil {
		return nil, types.NewError(types.ErrInternalError, "status response carried no job")
	}
	return env.Data, nil
}
