package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// Policy bounds how often a call is repeated after a transient failure.
type Policy struct {
	// MaxAttempts counts the first try. 1 disables retry.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter spreads each delay by up to this fraction in either direction.
	Jitter float64

	// Retryable decides whether an error is retried. Defaults to IsTransient.
	Retryable func(error) bool
	// OnRetry runs before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// NoRetry is a policy that makes exactly one attempt.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// DefaultPolicy retries transient failures twice with exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.25,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based), doubling
// from BaseDelay and capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	delay := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		delay += (rand.Float64()*2 - 1) * delay * p.Jitter
	}
	return time.Duration(max(delay, 0))
}

// Retry calls fn until it succeeds, returns a non-retryable error, the
// attempts are used up or ctx is done. It reports the number of attempts made.
func Retry[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, int, error) {
	p = p.withDefaults()

	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		var v T
		v, err = fn(ctx)
		if err == nil {
			return v, attempt, nil
		}
		if ctx.Err() != nil || !p.Retryable(err) || attempt == p.MaxAttempts {
			return zero, attempt, err
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, attempt, err
		case <-timer.C:
		}
	}
	return zero, p.MaxAttempts, err
}

// LogRetry returns an OnRetry hook that logs through the global logger.
func LogRetry(operation string, fields ...zap.Field) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying after transient error",
			append(fields,
				zap.String("operation", operation),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)...,
		)
	}
}
