package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryFromCode(t *testing.T) {
	tests := []struct {
		code     string
		category Category
	}{
		{ErrCodeConfigInvalid, CategoryConfig},
		{ErrCodeNetworkTimeout, CategoryTransient},
		{ErrCodeServerError, CategoryTransient},
		{ErrCodeRateLimited, CategoryTransient},
		{ErrCodeHTTPClientError, CategoryPermanent},
		{ErrCodeNoTranscript, CategoryPermanent},
		{ErrCodeIndexCorrupt, CategoryCorruption},
		{ErrCodeLLMParse, CategorySoftParse},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			assert.Equal(t, tt.category, categoryFromCode(tt.code))
		})
	}
}

func TestRetryableFlag(t *testing.T) {
	transient := New(ErrCodeNetworkTimeout, "timeout", nil)
	assert.True(t, transient.Retryable)
	assert.True(t, IsRetryable(transient))

	permanent := New(ErrCodeNoTranscript, "no transcript", nil)
	assert.False(t, permanent.Retryable)
	assert.False(t, IsRetryable(permanent))
	assert.True(t, IsPermanent(permanent))
}

func TestUnclassifiedErrorsAreTransient(t *testing.T) {
	err := stderrors.New("connection reset by peer")
	assert.True(t, IsRetryable(err))
	assert.Equal(t, CategoryTransient, CategoryOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("dial tcp: i/o timeout")
	err := Wrap(ErrCodeNetworkTimeout, cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ERR_201_NETWORK_TIMEOUT")
}

func TestWrapNilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeNetworkTimeout, nil))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeRateLimited, "429 from host", nil)
	b := New(ErrCodeRateLimited, "different message", nil)
	assert.True(t, stderrors.Is(a, b))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeServerError, "upstream 503", nil).
		WithDetail("host", "docs.example.com").
		WithDetail("status", "503")
	assert.Equal(t, "docs.example.com", err.Details["host"])
	assert.Equal(t, "503", err.Details["status"])
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return New(ErrCodeServerError, "503", nil)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return New(ErrCodeHTTPClientError, "404", nil)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1.0}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fmt.Errorf("flaky")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 10, InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, cfg, func() error {
		attempts++
		return New(ErrCodeNetworkTimeout, "timeout", nil)
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.LessOrEqual(t, attempts, 2)
}
