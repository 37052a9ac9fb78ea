package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

// Op is a unit of work that can be retried or timed.
type Op[T any] func(ctx context.Context) (T, error)

// Policy decides which failures are retried and how long to wait between
// attempts. The kind lists take precedence over the boolean switches:
// NonRetryable always wins, then Retryable.
type Policy struct {
	MaxAttempts    int
	MinWait        time.Duration
	MaxWait        time.Duration
	Multiplier     float64
	JitterFraction float64
	AttemptTimeout time.Duration

	RetryNetwork   bool
	RetryRateLimit bool
	RetryOther     bool
	Retryable      []apperrors.Kind
	NonRetryable   []apperrors.Kind

	// OnRetry is called before each backoff sleep.
	OnRetry func(name string, attempt int, err error, delay time.Duration)
}

// DefaultPolicy retries transient faults only. Credentials and local data
// problems fail fast.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		MinWait:        1 * time.Second,
		MaxWait:        30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryNetwork:   true,
		RetryRateLimit: true,
		NonRetryable:   []apperrors.Kind{apperrors.KindAuth, apperrors.KindDataProcessing},
	}
}

func (p Policy) withDefaults() Policy {
	defaults := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.MinWait <= 0 {
		p.MinWait = defaults.MinWait
	}
	if p.MaxWait < p.MinWait {
		p.MaxWait = p.MinWait
	}
	if p.Multiplier <= 0 {
		p.Multiplier = defaults.Multiplier
	}
	return p
}

// ShouldRetry reports whether a failure of the given kind is eligible for
// another attempt under this policy.
func (p Policy) ShouldRetry(kind apperrors.Kind) bool {
	if slices.Contains(p.NonRetryable, kind) {
		return false
	}
	if slices.Contains(p.Retryable, kind) {
		return true
	}
	switch kind {
	case apperrors.KindNetwork:
		return p.RetryNetwork
	case apperrors.KindRateLimit:
		return p.RetryRateLimit
	default:
		return p.RetryOther
	}
}

// WithRetry wraps op so that eligible failures are retried with exponential
// backoff. op is invoked at most MaxAttempts times; when the budget is spent
// the last error is returned unchanged.
func WithRetry[T any](p Policy, name string, op Op[T]) Op[T] {
	p = p.withDefaults()
	return func(ctx context.Context) (T, error) {
		logger := slog.Default().With("component", "retry", "operation", name)
		var (
			result T
			err    error
		)
		for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
			result, err = runAttempt(ctx, p.AttemptTimeout, name, op)
			if err == nil {
				if attempt > 1 {
					logger.Info("succeeded after retry", "attempt", attempt)
				}
				return result, nil
			}
			if attempt == p.MaxAttempts {
				break
			}
			classified := apperrors.Classify(err, name, nil)
			if !p.ShouldRetry(classified.Kind) {
				return result, err
			}
			if ctx.Err() != nil {
				logger.Warn("retry aborted", "attempt", attempt, "reason", ctx.Err())
				return result, err
			}
			delay := p.delay(attempt, classified.RetryAfter)
			logger.Warn("operation failed, retrying",
				"attempt", attempt,
				"max_attempts", p.MaxAttempts,
				"kind", classified.Kind.String(),
				"error", err,
				"next_delay", delay,
			)
			if p.OnRetry != nil {
				p.OnRetry(name, attempt, err, delay)
			}
			if sleepErr := sleep(ctx, delay); sleepErr != nil {
				logger.Warn("retry aborted during backoff", "attempt", attempt, "reason", sleepErr)
				return result, err
			}
		}
		return result, err
	}
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, name string, op Op[T]) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	return WithTimeout(ctx, timeout, name, op)
}

// delay computes the backoff before attempt+1, clamped to [MinWait, MaxWait].
// A server-provided retry-after acts as a floor.
func (p Policy) delay(attempt int, retryAfter time.Duration) time.Duration {
	backoff := float64(p.MinWait) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.JitterFraction > 0 {
		backoff += backoff * p.JitterFraction * (2*rand.Float64() - 1)
	}
	d := time.Duration(backoff)
	if d > p.MaxWait {
		d = p.MaxWait
	}
	if d < p.MinWait {
		d = p.MinWait
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
