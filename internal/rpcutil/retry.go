package rpcutil

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"

	"github.com/CedrosPay/x402-demo/internal/logger"
)

// RetryConfig defines retry behavior for RPC operations.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration // 0 means uncapped

	// Retryable overrides IsRetryableError.
	Retryable func(error) bool
}

// DefaultRetryConfig retries transient failures three times: 100ms, 200ms, 400ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
	}
}

// ReceiptPollConfig polls for a mined receipt until the caller's deadline.
// ethereum.NotFound is the expected answer while the tx is pending.
func ReceiptPollConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 120,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   4 * time.Second,
		Retryable: func(err error) bool {
			return errors.Is(err, ethereum.NotFound) || IsRetryableError(err)
		},
	}
}

// WithRetry wraps an RPC operation with retry logic using exponential backoff.
func WithRetry[T any](ctx context.Context, operation func() (T, error)) (T, error) {
	return WithRetryCustom(ctx, DefaultRetryConfig(), operation)
}

// WithRetryCustom allows custom retry configuration.
func WithRetryCustom[T any](ctx context.Context, cfg RetryConfig, operation func() (T, error)) (T, error) {
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryableError
	}

	var result T
	var err error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, err = operation()
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil || !retryable(err) || attempt == cfg.MaxRetries {
			return result, err
		}

		delay := cfg.BaseDelay * time.Duration(1<<uint(min(attempt, 16)))
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		log := logger.FromContext(ctx)
		log.Debug().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", cfg.MaxRetries+1).
			Dur("retry_delay", delay).
			Msg("rpc.operation_retry")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}

	return result, err
}

// IsRetryableError determines if an error is worth retrying.
// Reverts, bad signatures and nonce errors are permanent.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "invalid signature") {
		return false
	}

	for _, transient := range []string{
		// network
		"connection refused", "connection reset", "timeout", "temporary failure", "eof", "no such host",
		// rate limiting
		"rate limit", "too many requests", "429", "throttle",
		// upstream
		"500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable",
		"header not found",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}
