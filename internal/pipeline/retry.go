// File: internal/pipeline/retry.go
// Description: Wraps one stage invocation with per-attempt timeout
// enforcement and exponential back-off retry.

package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// maxBackoffInterval caps a single wait. Real budgets are bounded by the
// retry count long before this; the cap only guards pathological configs.
const maxBackoffInterval = time.Hour

// RetryExecutor runs a single stage to its final outcome. Whatever happens
// inside — success, transient failures, timeouts, a dead credential — the
// caller always gets a StageOutcome, never a raw error.
type RetryExecutor struct {
	logger *zap.Logger
}

// NewRetryExecutor creates an executor logging under the given logger.
func NewRetryExecutor(logger *zap.Logger) *RetryExecutor {
	return &RetryExecutor{logger: logger.Named("retry_executor")}
}

// ExecuteWithRetry invokes the descriptor's capability up to MaxRetries+1
// times. The delay before attempt i+1 is BaseDelay * BackoffMultiplier^i,
// deterministic (no jitter). Every attempt is bounded by the stage timeout;
// a timed-out attempt consumes retry budget like any execution failure.
// Configuration failures return immediately.
func (e *RetryExecutor) ExecuteWithRetry(ctx context.Context, desc StageDescriptor, ac *AnalysisContext) schemas.StageOutcome {
	start := time.Now()
	outcome := schemas.StageOutcome{Stage: desc.Name, Required: desc.Required}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = desc.BaseDelay
	b.Multiplier = desc.BackoffMultiplier
	b.RandomizationFactor = 0 // the schedule is part of the contract
	b.MaxInterval = maxBackoffInterval
	b.MaxElapsedTime = 0 // the retry count is the only budget

	var (
		data         *schemas.StageData
		attempts     int
		lastTimedOut bool
	)

	operation := func() error {
		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
		defer cancel()

		d, err := desc.Capability.Analyze(attemptCtx, ac)
		if err == nil {
			data = d
			lastTimedOut = false
			return nil
		}

		lastTimedOut = isAttemptTimeout(attemptCtx, ctx, err)

		if IsConfiguration(err) {
			// Retrying a missing credential just burns time.
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil {
			// The run was cancelled mid-attempt; stop here.
			return backoff.Permanent(ctx.Err())
		}

		e.logger.Warn("Stage attempt failed, may retry",
			zap.String("stage", desc.Name),
			zap.Int("attempt", attempts),
			zap.Bool("timed_out", lastTimedOut),
			zap.Error(err),
		)
		return err
	}

	err := backoff.Retry(operation, backoff.WithMaxRetries(backoff.WithContext(b, ctx), uint64(desc.MaxRetries)))

	outcome.Attempts = attempts
	outcome.Elapsed = time.Since(start)

	switch {
	case err == nil:
		outcome.Status = schemas.StageSucceeded
		outcome.Data = data
	case ctx.Err() != nil:
		outcome.Status = schemas.StageCancelled
		outcome.Error = ctx.Err().Error()
	case lastTimedOut:
		outcome.Status = schemas.StageTimedOut
		outcome.Error = err.Error()
	default:
		outcome.Status = schemas.StageFailed
		outcome.Error = err.Error()
	}

	return outcome
}
