// Package retry holds the retry policy shared by the broker layer, the
// metadata store and the analysis client.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy is exponential backoff with optional jitter. The zero value is not
// useful; start from Default or one of the presets.
type Policy struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool

	// Retryable classifies errors; nil means IsTransient.
	Retryable func(error) bool
	// Rand returns a float in [0,1); nil means math/rand.
	Rand func() float64
	// Sleep waits for d or until ctx is done; nil means a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Database is tuned for short-lived connection problems against a SQL target.
func Database() Policy {
	return Policy{
		MaxAttempts:     3,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		Jitter:          true,
	}
}

// Trino tolerates slower coordinator recovery.
func Trino() Policy {
	return Policy{
		MaxAttempts:     5,
		BaseDelay:       3 * time.Second,
		MaxDelay:        120 * time.Second,
		ExponentialBase: 1.5,
		Jitter:          true,
	}
}

// Delay returns the wait before retrying after the given 1-indexed attempt:
// min(base * exp^(attempt-1), max), scaled into [0.5, 1.0] when jitter is on.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := p.ExponentialBase
	if exp <= 0 {
		exp = 2.0
	}
	d := float64(p.BaseDelay) * math.Pow(exp, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		d *= 0.5 + p.random()*0.5
	}
	return time.Duration(d)
}

// IsRetryable applies the policy's classifier to err.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return IsTransient(err)
}

// ShouldRetry reports whether a failure after attempt completed attempts
// deserves another delivery.
func (p Policy) ShouldRetry(err error, attempt int) bool {
	return p.IsRetryable(err) && attempt < p.MaxAttempts
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// attempts are used up. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			logger.Debug("non-retryable error", "op", name, "error", err)
			return err
		}
		if attempt == maxAttempts {
			logger.Error("retry attempts exhausted", "op", name, "attempts", maxAttempts, "error", err)
			return err
		}
		delay := p.Delay(attempt)
		logger.Warn("attempt failed, retrying", "op", name, "attempt", attempt, "delay", delay, "error", err)
		if sleepErr := p.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
	return err
}

func (p Policy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
