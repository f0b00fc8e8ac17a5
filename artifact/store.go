package artifact

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/meshforge/config"
)

// Kind groups artifacts of one job under a key sub-directory.
type Kind string

const (
	KindImage Kind = "images"
	KindModel Kind = "models"
)

// Store persists a blob and returns a URL the prediction service or a client can fetch.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Name() string
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename keeps the base name and replaces anything outside [A-Za-z0-9._-].
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "_" {
		return "file"
	}
	return name
}

// ObjectKey builds "<jobID>/<kind>/<sanitized filename>".
func ObjectKey(jobID string, kind Kind, filename string) string {
	return path.Join(SanitizeFilename(jobID), string(kind), SanitizeFilename(filename))
}

// NewStore creates the backend selected by cfg.Type.
func NewStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.LocalDir, cfg.PublicBaseURL, logger)
	case "s3":
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unsupported artifact store type: %s", cfg.Type)
	}
}
