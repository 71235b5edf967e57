// File: internal/pipeline/driver.go
// Description: The pipeline driver. Iterates the registered stages in order,
// evaluates triggers, runs the retry executor, threads the shared analysis
// context through, and classifies what is left at the end.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// RunState tracks where the driver is in its lifecycle.
type RunState string

const (
	RunNotStarted RunState = "not_started"
	RunRunning    RunState = "running"
	RunCompleted  RunState = "completed"
	RunCancelled  RunState = "cancelled"
)

// Orchestrator drives one pipeline definition over analysis contexts.
// Stages execute strictly sequentially: each stage may read everything
// produced so far, so there is no safe interleaving. Any fan-out lives
// inside a capability and is invisible here.
type Orchestrator struct {
	registry *Registry
	executor *RetryExecutor
	fallback FallbackProvider
	logger   *zap.Logger

	state RunState
}

// New creates an Orchestrator. A malformed pipeline definition is the one
// condition the driver refuses outright; runtime data problems never are.
// The fallback provider may be nil, in which case exhausted required stages
// simply contribute nothing.
func New(registry *Registry, fallback FallbackProvider, logger *zap.Logger) (*Orchestrator, error) {
	if registry == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("malformed pipeline definition: %w", err)
	}
	return &Orchestrator{
		registry: registry,
		executor: NewRetryExecutor(logger),
		fallback: fallback,
		logger:   logger.Named("orchestrator"),
		state:    RunNotStarted,
	}, nil
}

// State returns the driver's current lifecycle state. Only meaningful from
// the goroutine calling Run; the driver is single-threaded by design.
func (o *Orchestrator) State() RunState { return o.state }

// Run executes the pipeline over the given context and returns the
// PipelineResult. The error return is non-nil only for external
// cancellation; stage failures degrade the result instead of failing the
// run.
func (o *Orchestrator) Run(ctx context.Context, ac *AnalysisContext) (*schemas.PipelineResult, error) {
	start := time.Now()
	o.state = RunRunning

	o.logger.Info("Pipeline run starting",
		zap.String("runID", ac.RunID()),
		zap.Int("stages", o.registry.Len()),
		zap.String("ecosystem", string(ac.Ecosystem())),
		zap.Int("targets", len(ac.Targets())),
	)

	outcomes := make([]schemas.StageOutcome, 0, o.registry.Len())

	for _, desc := range o.registry.Stages() {
		// External cancellation is checked between stages; a cancelled run
		// aborts immediately, with no fallback synthesis.
		if err := ctx.Err(); err != nil {
			o.logger.Warn("Pipeline run cancelled between stages",
				zap.String("runID", ac.RunID()),
				zap.String("next_stage", desc.Name),
			)
			o.state = RunCancelled
			return o.buildResult(ac, outcomes, start), err
		}

		if desc.Trigger != nil && !desc.Trigger(ac) {
			outcome := schemas.StageOutcome{
				Stage:    desc.Name,
				Status:   schemas.StageSkipped,
				Required: desc.Required,
			}
			ac.recordOutcome(outcome)
			outcomes = append(outcomes, outcome)
			o.logger.Debug("Stage skipped by trigger predicate", zap.String("stage", desc.Name))
			continue
		}

		outcome := o.executor.ExecuteWithRetry(ctx, desc, ac)

		switch outcome.Status {
		case schemas.StageSucceeded:
			ac.applyStageData(desc.Name, outcome.Data)
			o.logger.Info("Stage succeeded",
				zap.String("stage", desc.Name),
				zap.Int("attempts", outcome.Attempts),
				zap.Duration("elapsed", outcome.Elapsed),
			)

		case schemas.StageCancelled:
			ac.recordOutcome(outcome)
			outcomes = append(outcomes, outcome)
			o.state = RunCancelled
			return o.buildResult(ac, outcomes, start), ctx.Err()

		default:
			// Retry budget exhausted (or a configuration error): required
			// stages get conservative fallback data; optional stages just
			// record the failure. Either way the run continues — a partial
			// result beats no result.
			if desc.Required && o.fallback != nil {
				if data, err := o.fallback.Fallback(ctx, desc.Name, ac); err == nil && data != nil {
					ac.applyStageData(desc.Name, data)
					outcome.Data = data
					outcome.FallbackUsed = true
				} else if err != nil {
					o.logger.Warn("Fallback provider failed; continuing without",
						zap.String("stage", desc.Name), zap.Error(err))
				}
			}
			o.logger.Warn("Stage failed",
				zap.String("stage", desc.Name),
				zap.String("status", string(outcome.Status)),
				zap.Int("attempts", outcome.Attempts),
				zap.Bool("fallback_used", outcome.FallbackUsed),
			)
		}

		ac.recordOutcome(outcome)
		outcomes = append(outcomes, outcome)
	}

	o.state = RunCompleted
	result := o.buildResult(ac, outcomes, start)

	o.logger.Info("Pipeline run finished",
		zap.String("runID", ac.RunID()),
		zap.String("degradation", string(result.Degradation)),
		zap.Int("findings", len(result.Findings)),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, nil
}

// buildResult assembles the PipelineResult from whatever was recorded,
// complete or not.
func (o *Orchestrator) buildResult(ac *AnalysisContext, outcomes []schemas.StageOutcome, start time.Time) *schemas.PipelineResult {
	return &schemas.PipelineResult{
		RunID:       ac.RunID(),
		Outcomes:    outcomes,
		Degradation: EvaluateDegradation(outcomes, o.registry.SynthesisStage()),
		Findings:    ac.Findings(),
		StartedAt:   start,
		Elapsed:     time.Since(start),
	}
}
