// Package retry wraps calls to external services with exponential backoff.
// Only transient failures (connection errors, timeouts, rate limits, 5xx)
// are retried; everything else propagates immediately.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// Config configures retry behavior with exponential backoff
type Config struct {
	MaxAttempts int           `json:"max_attempts"` // Total attempts including the first (default: 3)
	BaseDelay   time.Duration `json:"base_delay"`   // Base delay between attempts (default: 1s)
	MaxDelay    time.Duration `json:"max_delay"`    // Maximum delay between attempts (default: 30s)
	Multiplier  float64       `json:"multiplier"`   // Exponential backoff multiplier (default: 2.0)
	Jitter      bool          `json:"jitter"`       // Add random jitter to prevent thundering herd (default: true)
}

// DefaultConfig returns a retry configuration with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Do executes op up to cfg.MaxAttempts times. A non-retryable error returns
// immediately; context cancellation aborts both the operation and the backoff
// sleep. The last error is returned once attempts are exhausted.
func Do(ctx context.Context, cfg Config, name string, op func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				log.Debug().Str("op", name).Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			log.Warn().Str("op", name).Int("attempts", attempt).Err(err).Msg("operation failed, attempts exhausted")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := backoffDelay(cfg, attempt)
		log.Warn().Str("op", name).Int("attempt", attempt).Dur("delay", delay).Err(err).Msg("transient error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay calculates the delay before the next attempt using exponential
// backoff: baseDelay * multiplier^(attempt-1), capped at MaxDelay, with up to
// 10% random jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))

	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter {
		jitterRange := delay * 0.1
		jitter := (rand.Float64() - 0.5) * 2 * jitterRange
		delay += jitter

		if delay < 0 {
			delay = float64(cfg.BaseDelay)
		}
	}

	return time.Duration(delay)
}

// IsRetryable determines if an error is a transient external-service failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// API errors carry an HTTP status; rate limits and server-side failures
	// are transient, client errors are not.
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return true
		case apiErr.HTTPStatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"no such host",
		"network unreachable",
		"broken pipe",
		"unexpected eof",
	}
	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
