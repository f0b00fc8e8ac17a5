package prediction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/metrics"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/internal/tlsutil"
	"github.com/BaSui01/meshforge/types"
)

// maxErrorBody bounds how much of a failed response is kept for the error message.
const maxErrorBody = 4 << 10

// Options configures a Client.
type Options struct {
	BaseURL         string
	APIKey          string
	ModelVersion    string
	Timeout         time.Duration
	PollInterval    time.Duration
	MaxPollAttempts int
	HTTPClient      *http.Client
}

// OptionsFrom maps the prediction config section onto client options.
func OptionsFrom(cfg config.PredictionConfig) Options {
	return Options{
		BaseURL:         cfg.BaseURL,
		APIKey:          cfg.APIKey,
		ModelVersion:    cfg.ModelVersion,
		Timeout:         cfg.Timeout,
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
	}
}

// SnapshotFunc receives every successfully fetched prediction while polling.
type SnapshotFunc func(p *Prediction)

// =============================================================================
// 🔮 预测服务客户端
// =============================================================================

// Client talks to the external prediction service.
type Client struct {
	opts    Options
	client  *http.Client
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewClient creates a Client. collector may be nil.
func NewClient(opts Options, collector *metrics.Collector, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.replicate.com/v1"
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxPollAttempts <= 0 {
		opts.MaxPollAttempts = 60
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = tlsutil.SecureHTTPClient(opts.Timeout, tlsutil.WithRoundTripper(telemetry.NewTransport))
	}

	return &Client{
		opts:    opts,
		client:  httpClient,
		metrics: collector,
		logger:  logger.With(zap.String("component", "prediction")),
	}
}

// Submit creates a prediction. It fails with CONFIG_ERROR before any request
// when no API key is configured.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (pred *Prediction, err error) {
	ctx, span := telemetry.StartSpan(ctx, "prediction.submit",
		attribute.Int("prediction.images", len(req.ImageURLs)))
	defer func() { telemetry.EndSpan(span, err) }()

	if c.opts.APIKey == "" {
		return nil, types.NewError(types.ErrConfigError, "prediction service API key is not configured")
	}
	if len(req.ImageURLs) == 0 {
		return nil, types.NewError(types.ErrInvalidInput, "at least one image url is required")
	}

	payload, err := json.Marshal(createRequest{
		Version: c.opts.ModelVersion,
		Input:   NewInput(req.ImageURLs, req.Params),
	})
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "encode prediction request").WithCause(err)
	}

	pred, err = c.do(ctx, http.MethodPost, c.opts.BaseURL+"/predictions", payload)
	if err != nil {
		return nil, err
	}
	if pred.ID == "" {
		return nil, types.NewError(types.ErrUpstreamError, "prediction service returned no prediction id")
	}

	c.logger.Info("prediction submitted",
		zap.String("prediction_id", pred.ID),
		zap.String("status", string(pred.Status)))
	return pred, nil
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (pred *Prediction, err error) {
	ctx, span := telemetry.StartSpan(ctx, "prediction.get", attribute.String("prediction.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	if c.opts.APIKey == "" {
		return nil, types.NewError(types.ErrConfigError, "prediction service API key is not configured")
	}
	return c.do(ctx, http.MethodGet, c.opts.BaseURL+"/predictions/"+url.PathEscape(id), nil)
}

// Cancel asks the service to stop a prediction.
func (c *Client) Cancel(ctx context.Context, id string) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "prediction.cancel", attribute.String("prediction.id", id))
	defer func() { telemetry.EndSpan(span, err) }()

	if c.opts.APIKey == "" {
		return types.NewError(types.ErrConfigError, "prediction service API key is not configured")
	}
	_, err = c.do(ctx, http.MethodPost, c.opts.BaseURL+"/predictions/"+url.PathEscape(id)+"/cancel", nil)
	return err
}

// PollUntilTerminal waits PollInterval before each Get, up to MaxPollAttempts.
// Per-attempt errors are logged and consume an attempt. A terminal prediction
// (succeeded, failed or canceled) is returned with a nil error; the caller
// decides what upstream failure means. Exhaustion returns TIMEOUT.
//
// ctx is only a stop signal checked between polls. A Get already in flight
// is detached from it and bounded by the client Timeout; cancellation
// returns CANCELLED at the next wait.
func (c *Client) PollUntilTerminal(ctx context.Context, id string, onSnapshot SnapshotFunc) (*Prediction, error) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	logger := c.logger.With(zap.String("prediction_id", id))

	for attempt := 1; attempt <= c.opts.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrCancelled, "prediction polling cancelled").WithCause(ctx.Err())
		case <-ticker.C:
		}

		pred, err := c.Get(context.WithoutCancel(ctx), id)
		if c.metrics != nil {
			c.metrics.RecordPredictionPoll(err)
		}
		if err != nil {
			logger.Warn("prediction poll failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.opts.MaxPollAttempts),
				zap.Error(err))
			continue
		}

		if onSnapshot != nil {
			onSnapshot(pred)
		}

		logger.Debug("prediction polled",
			zap.Int("attempt", attempt),
			zap.String("status", string(pred.Status)))

		if pred.Status.IsTerminal() {
			return pred, nil
		}
	}

	return nil, types.NewTimeoutError(fmt.Sprintf("prediction timed out: did not finish after %d attempts", c.opts.MaxPollAttempts))
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (*Prediction, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "build prediction request").WithCause(err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "prediction service request failed").
			WithCause(err).
			WithRetryable(true)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "read prediction response").
			WithCause(err).
			WithRetryable(true)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, upstreamError(resp.StatusCode, raw)
	}

	var pred Prediction
	if err := json.Unmarshal(raw, &pred); err != nil {
		return nil, types.NewError(types.ErrUpstreamError, "malformed prediction response").WithCause(err)
	}
	pred.Raw = json.RawMessage(raw)
	return &pred, nil
}

func upstreamError(status int, body []byte) *types.Error {
	message := fmt.Sprintf("prediction service returned status %d", status)

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil {
		switch {
		case apiErr.Detail != "":
			message += ": " + apiErr.Detail
		case apiErr.Error != "":
			message += ": " + apiErr.Error
		case apiErr.Title != "":
			message += ": " + apiErr.Title
		}
	} else if text := strings.TrimSpace(string(body)); text != "" {
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		message += ": " + text
	}

	retryable := status == http.StatusTooManyRequests || status >= 500
	return types.NewError(types.ErrUpstreamError, message).
		WithHTTPStatus(status).
		WithRetryable(retryable)
}
