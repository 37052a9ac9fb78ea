// Package resilience provides the fault-tolerance wrappers used around every
// call to the actor runner: bounded exponential-backoff retry, a per-attempt
// timeout, and a timing probe. Wrappers compose explicitly at the call site:
//
//	op := WithTiming(probe, "get_run", WithRetry(policy, "get_run", call))
package resilience

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/Actor-Ingestion-Platform/pkg/errors"
)

// OutcomeOK is reported by the probe for successful calls. Failures report
// the error kind code.
const OutcomeOK = "ok"

// Probe records the duration and outcome of wrapped operations.
type Probe struct {
	Logger  *slog.Logger
	Observe func(name, outcome string, elapsed time.Duration)
}

// NewProbe creates a Probe that logs under the "timing" component and
// forwards measurements to observe (which may be nil).
func NewProbe(observe func(name, outcome string, elapsed time.Duration)) *Probe {
	return &Probe{
		Logger:  slog.Default().With("component", "timing"),
		Observe: observe,
	}
}

// WithTiming wraps op to log start, elapsed time and outcome. It never alters
// the value or error returned by op. A nil probe logs to the default logger.
func WithTiming[T any](p *Probe, name string, op Op[T]) Op[T] {
	return func(ctx context.Context) (T, error) {
		logger := slog.Default()
		if p != nil && p.Logger != nil {
			logger = p.Logger
		}
		logger.Debug("operation started", "operation", name)
		start := time.Now()

		v, err := op(ctx)

		elapsed := time.Since(start)
		outcome := OutcomeOK
		if err != nil {
			outcome = apperrors.Classify(err, name, nil).Kind.Code()
			logger.Info("operation finished", "operation", name, "outcome", outcome, "elapsed", elapsed, "error", err)
		} else {
			logger.Debug("operation finished", "operation", name, "outcome", outcome, "elapsed", elapsed)
		}
		if p != nil && p.Observe != nil {
			p.Observe(name, outcome, elapsed)
		}
		return v, err
	}
}
