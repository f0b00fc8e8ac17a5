package artifact

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
	"github.com/BaSui01/meshforge/internal/telemetry"
	"github.com/BaSui01/meshforge/internal/tlsutil"
)

// =============================================================================
// ☁️ S3 兼容对象存储
// =============================================================================

// S3Store uploads artifacts with PutObject to AWS S3 or an S3-compatible endpoint.
type S3Store struct {
	client *s3.Client
	cfg    config.S3Config
	logger *zap.Logger
}

// NewS3Store loads AWS configuration and builds the client.
// Static credentials win over the default provider chain when both keys are set.
func NewS3Store(ctx context.Context, cfg config.S3Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(tlsutil.SecureHTTPClient(0, tlsutil.WithRoundTripper(telemetry.NewTransport))),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// 兼容不支持尾随校验和的 S3 实现
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
	})

	return &S3Store{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "artifact_s3"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Name returns "s3".
func (s *S3Store) Name() string { return "s3" }

// Put uploads data under the configured key prefix.
func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	objectKey := s.objectKey(key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", objectKey, err)
	}

	s.logger.Debug("artifact uploaded", zap.String("key", objectKey), zap.Int("size", len(data)))
	return s.URL(objectKey), nil
}

func (s *S3Store) objectKey(key string) string {
	if s.cfg.KeyPrefix == "" {
		return key
	}
	return path.Join(s.cfg.KeyPrefix, key)
}

// URL returns the public URL for an object key.
func (s *S3Store) URL(objectKey string) string {
	escaped := escapeKey(objectKey)
	switch {
	case s.cfg.PublicBaseURL != "":
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/" + escaped
	case s.cfg.Endpoint != "":
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped)
	}
}

func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
