package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrUpstreamError, "upstream failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	if GetErrorCode(err) != ErrUpstreamError {
		t.Fatalf("expected code %s, got %s", ErrUpstreamError, GetErrorCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WrappedLookup(t *testing.T) {
	t.Parallel()

	inner := NewTimeoutError("prediction did not finish")
	wrapped := fmt.Errorf("stage poll: %w", inner)

	assert.Equal(t, ErrTimeout, GetErrorCode(wrapped))
	assert.True(t, IsErrorCode(wrapped, ErrTimeout))
	assert.False(t, IsRetryable(wrapped))

	e, ok := AsError(wrapped)
	assert.True(t, ok)
	assert.Same(t, inner, e)
}

func TestError_PlainErrorHasNoCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrorCode(""), GetErrorCode(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestNewPreprocessError_CarriesIndex(t *testing.T) {
	t.Parallel()

	err := NewPreprocessError(2, "back.png", errors.New("unexpected EOF"))

	assert.Equal(t, ErrPreprocessError, err.Code)
	assert.Equal(t, 2, err.Index)
	assert.Contains(t, err.Error(), "image 2 (back.png)")
	assert.Contains(t, err.Error(), "unexpected EOF")
	assert.Equal(t, -1, NewError(ErrInternalError, "x").Index)
}
