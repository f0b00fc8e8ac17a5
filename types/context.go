package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID      contextKey = "trace_id"
	keyRequestID    contextKey = "request_id"
	keyJobID        contextKey = "job_id"
	keyPredictionID contextKey = "prediction_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds the inbound HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithJobID adds job ID to context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, keyJobID, jobID)
}

// JobID extracts job ID from context.
func JobID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyJobID).(string)
	return v, ok && v != ""
}

// WithPredictionID adds the upstream prediction ID to context.
func WithPredictionID(ctx context.Context, predictionID string) context.Context {
	return context.WithValue(ctx, keyPredictionID, predictionID)
}

// PredictionID extracts the upstream prediction ID from context.
func PredictionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPredictionID).(string)
	return v, ok && v != ""
}
