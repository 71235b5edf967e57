package schemas

import "time"

// -- Pipeline Outcome Schemas --

// StageStatus is the final disposition of one pipeline stage.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
	StageTimedOut  StageStatus = "timed_out"
	StageCancelled StageStatus = "cancelled"
)

// IsFailure reports whether the status counts as a failure for degradation
// accounting. Skipped is not a failure; a skip is the trigger predicate
// working as designed.
func (s StageStatus) IsFailure() bool {
	return s == StageFailed || s == StageTimedOut || s == StageCancelled
}

// PackageFact is one scalar assessment a stage contributes about a package,
// upserted into the context keyed by PackageRef.ID(). Later stages overwrite
// earlier values for the same (package, key) pair.
type PackageFact struct {
	PackageID string  `json:"package_id"`
	Key       string  `json:"key"`
	Value     string  `json:"value"`
	Score     float64 `json:"score,omitempty"`
}

// StageData is the structured contribution a capability returns on success.
// Findings are appended to the run; Facts are upserted by package identifier.
type StageData struct {
	Findings []Finding     `json:"findings,omitempty"`
	Facts    []PackageFact `json:"facts,omitempty"`

	// Consolidated, when non-nil, replaces the run's accumulated finding
	// set wholesale instead of appending. Only the synthesis stage emits
	// this: its job is merging what every earlier stage contributed.
	Consolidated []Finding `json:"consolidated,omitempty"`
}

// StageOutcome records how a single stage ended, whatever that ending was.
// The driver produces exactly one outcome per descriptor it reached.
type StageOutcome struct {
	Stage    string      `json:"stage"`
	Status   StageStatus `json:"status"`
	Required bool        `json:"required"`

	// Data is the contribution merged into the context; nil unless the stage
	// succeeded or fallback data was substituted.
	Data *StageData `json:"data,omitempty"`

	Elapsed time.Duration `json:"elapsed"`

	// Error carries a human-readable description; outcomes never wrap live
	// error values so they stay serializable.
	Error string `json:"error,omitempty"`

	// Attempts counts invocations actually made, including the first.
	Attempts int `json:"attempts"`

	// FallbackUsed marks a required stage whose data came from the fallback
	// provider after retry exhaustion.
	FallbackUsed bool `json:"fallback_used"`
}

// Degradation is the coarse confidence band summarizing how complete a
// pipeline run was. Ordered: Full > High > Partial > Minimal.
type Degradation string

const (
	DegradationFull    Degradation = "full"
	DegradationHigh    Degradation = "high"
	DegradationPartial Degradation = "partial"
	DegradationMinimal Degradation = "minimal"
)

// Rank orders bands for monotonicity checks (full=4 .. minimal=1).
func (d Degradation) Rank() int {
	switch d {
	case DegradationFull:
		return 4
	case DegradationHigh:
		return 3
	case DegradationPartial:
		return 2
	case DegradationMinimal:
		return 1
	default:
		return 0
	}
}

// PipelineResult is the single output of one orchestrated run.
type PipelineResult struct {
	RunID string `json:"run_id"`

	// Outcomes preserves registration order; skipped stages included,
	// stages after a cancellation point absent.
	Outcomes []StageOutcome `json:"outcomes"`

	Degradation Degradation `json:"degradation"`

	// Findings is the merged, deduplicated finding set after synthesis.
	Findings []Finding `json:"findings"`

	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Outcome returns the recorded outcome for a stage name, if the driver
// reached that stage.
func (r *PipelineResult) Outcome(stage string) (StageOutcome, bool) {
	for _, o := range r.Outcomes {
		if o.Stage == stage {
			return o, true
		}
	}
	return StageOutcome{}, false
}

// ResultEnvelope wraps a pipeline result for reporting and persistence.
type ResultEnvelope struct {
	RunID     string          `json:"run_id"`
	Timestamp time.Time       `json:"timestamp"`
	Ecosystem Ecosystem       `json:"ecosystem"`
	Targets   []PackageRef    `json:"targets"`
	Result    *PipelineResult `json:"result"`
}
