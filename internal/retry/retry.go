// Package retry re-runs outbound calls with exponential backoff.
//
// Every provider call goes through it: metadata lookups retry while the
// source reports rate limiting, downloader and indexer calls retry on
// transient network errors, and library file operations retry on transient
// filesystem errors. Wrap turns a call into one with the same signature that
// carries the policy, so a client can hold the retried function directly.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Config is a backoff policy. Attempt n (1-based) waits
// InitialBackoff*BackoffMultiplier^(n-1), capped at MaxBackoff and spread by
// ±JitterFraction, before attempt n+1.
type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	JitterFraction    float64
}

// DefaultConfig is used by downloader, indexer and media server clients
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
		JitterFraction:    0.1,
	}
}

// RateLimitConfig backs off metadata providers that answer 429: five tries
// spread over roughly fifteen seconds.
func RateLimitConfig() Config {
	c := DefaultConfig()
	c.MaxAttempts = 5
	c.InitialBackoff = time.Second
	return c
}

// FileOpConfig retries a library file operation that failed transiently
// (busy file, network share hiccup) three times within a few seconds.
func FileOpConfig() Config {
	c := DefaultConfig()
	c.InitialBackoff = 500 * time.Millisecond
	c.MaxBackoff = 5 * time.Second
	return c
}

// IsRetryable decides whether an error is worth another attempt
type IsRetryable func(error) bool

// Do runs fn until it succeeds, returns an error isRetryable rejects, the
// attempts run out or ctx is done. The last error is returned.
func Do(ctx context.Context, cfg Config, fn func() error, isRetryable IsRetryable) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, fn()
	}, isRetryable)
	return err
}

// DoWithResult is Do for a call that returns a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error), isRetryable IsRetryable) (T, error) {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		result T
		err    error
	)
	for attempt := 1; ; attempt++ {
		result, err = fn()
		if err == nil || attempt >= attempts || !isRetryable(err) {
			return result, err
		}

		timer := time.NewTimer(Backoff(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, ctx.Err()
		case <-timer.C:
		}
	}
}

// Wrap returns fn with the retry policy applied to every call
func Wrap[A, R any](fn func(context.Context, A) (R, error), cfg Config, isRetryable IsRetryable) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		return DoWithResult(ctx, cfg, func() (R, error) {
			return fn(ctx, arg)
		}, isRetryable)
	}
}

// Backoff is the wait after the given failed attempt
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if limit := float64(cfg.MaxBackoff); limit > 0 && d > limit {
		d = limit
	}
	if cfg.JitterFraction > 0 {
		d += d * cfg.JitterFraction * (rand.Float64()*2 - 1)
	}
	return time.Duration(math.Max(d, 0))
}
