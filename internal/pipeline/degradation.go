// File: internal/pipeline/degradation.go
package pipeline

import "github.com/pkgsentry/pkgsentry/api/schemas"

// EvaluateDegradation computes the overall confidence band for a run from
// its recorded outcomes. Pure and deterministic: same outcomes, same band,
// no timing dependence.
//
// Banding:
//   - Full: every stage that ran Succeeded and nothing was skipped.
//   - High: all required stages Succeeded; at least one optional stage
//     failed, or a trigger predicate correctly skipped one.
//   - Partial: exactly one required stage failed (its data replaced by
//     fallback where available) and synthesis completed.
//   - Minimal: two or more required stages failed, or synthesis itself did
//     not complete — including runs cancelled before synthesis. Callers
//     should retry the whole run later.
//
// More required-stage failures can never yield a better band than fewer;
// the required-failure count feeds a strictly descending ladder.
func EvaluateDegradation(outcomes []schemas.StageOutcome, synthesisStage string) schemas.Degradation {
	var (
		requiredFailures int
		optionalTrouble  bool
		synthesisOK      bool
	)

	for _, o := range outcomes {
		if o.Stage == synthesisStage {
			synthesisOK = o.Status == schemas.StageSucceeded
			if o.Status.IsFailure() {
				requiredFailures++
			}
			continue
		}
		switch {
		case o.Required && o.Status.IsFailure():
			requiredFailures++
		case !o.Required && (o.Status.IsFailure() || o.Status == schemas.StageSkipped):
			optionalTrouble = true
		}
	}

	switch {
	case !synthesisOK:
		return schemas.DegradationMinimal
	case requiredFailures >= 2:
		return schemas.DegradationMinimal
	case requiredFailures == 1:
		return schemas.DegradationPartial
	case optionalTrouble:
		return schemas.DegradationHigh
	default:
		return schemas.DegradationFull
	}
}
