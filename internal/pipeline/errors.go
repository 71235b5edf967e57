// File: internal/pipeline/errors.go
package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// The pipeline's error taxonomy drives retry decisions:
//
//   - ConfigurationError: the capability cannot work at all (missing
//     credential, no endpoint). Failing again will not help; the executor
//     returns immediately without consuming the retry budget.
//   - everything else: treated as an Execution failure and retried with
//     back-off. Attempt timeouts surface as context.DeadlineExceeded and
//     count against the same budget.
//
// Raw faults never escape the orchestrator; every stage-level error is
// converted into a StageOutcome.

// ConfigurationError marks a capability failure that retrying cannot fix.
type ConfigurationError struct {
	Stage string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("configuration error in %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("configuration error: %v", e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// NewConfigurationError wraps err as a non-retryable capability failure.
func NewConfigurationError(stage string, err error) error {
	return &ConfigurationError{Stage: stage, Err: err}
}

// IsConfiguration reports whether err is (or wraps) a ConfigurationError.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// isAttemptTimeout reports whether an attempt error was the per-attempt
// deadline firing, as opposed to the whole run being cancelled.
func isAttemptTimeout(attemptCtx context.Context, runCtx context.Context, err error) bool {
	if runCtx.Err() != nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || attemptCtx.Err() == context.DeadlineExceeded
}
