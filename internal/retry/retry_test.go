package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		Jitter:      false,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "test", func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "test", func() error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	// Three consecutive transient errors: the third attempt fails and there
	// is never a fourth.
	calls := 0
	transient := &openai.APIError{HTTPStatusCode: 503, Message: "service unavailable"}
	err := Do(context.Background(), fastConfig(), "test", func() error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, transient)
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "test", func() error {
		calls++
		return errors.New("assistant not found")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Config{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2}, "test", func() error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(&openai.APIError{HTTPStatusCode: 429}))
	assert.True(t, IsRetryable(&openai.APIError{HTTPStatusCode: 500}))
	assert.False(t, IsRetryable(&openai.APIError{HTTPStatusCode: 400}))
	assert.True(t, IsRetryable(errors.New("rate limit exceeded")))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryable(errors.New("run ended with status failed")))
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2.0}
	// 1s, 2s, 4s, ... capped at 30s
	assert.Equal(t, time.Second, backoffDelay(cfg, 1))
	assert.Equal(t, 2*time.Second, backoffDelay(cfg, 2))
	assert.Equal(t, 30*time.Second, backoffDelay(cfg, 10))
}
