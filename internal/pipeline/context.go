// File: internal/pipeline/context.go
package pipeline

import (
	"time"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// Input is the immutable bundle a run is constructed with. It is copied into
// the context once; nothing in the pipeline writes back to it.
type Input struct {
	// Findings discovered before orchestration, e.g. by manifest rules.
	Findings []schemas.Finding
	// Graph is the resolved dependency closure for the run.
	Graph *schemas.DependencyGraph
	// Targets are the package versions under analysis.
	Targets []schemas.PackageRef
	// Ecosystem scopes the run to one registry namespace.
	Ecosystem schemas.Ecosystem
	// Mode distinguishes a local tree from packages fetched by reference.
	Mode schemas.InputMode
}

// AnalysisContext is the mutable shared state for one pipeline run. It is
// exclusively owned by the driver goroutine: stages read it through the
// accessor methods and contribute new data via their return values, never by
// writing here directly. No locking, by construction.
type AnalysisContext struct {
	runID     string
	startedAt time.Time

	input Input

	// findings grows additively as stages succeed.
	findings []schemas.Finding

	// facts holds scalar per-package assessments, keyed by PackageRef.ID()
	// and then fact key. Later stages overwrite earlier values.
	facts map[string]map[string]schemas.PackageFact

	// outcomes maps stage name to its recorded outcome.
	outcomes map[string]schemas.StageOutcome

	// metadata is free-form run annotation, e.g. the manifest path.
	metadata map[string]string
}

// NewAnalysisContext seeds a context from the input bundle. Initial findings
// are copied so the caller's slice stays untouched.
func NewAnalysisContext(runID string, in Input) *AnalysisContext {
	ac := &AnalysisContext{
		runID:     runID,
		startedAt: time.Now(),
		input:     in,
		findings:  make([]schemas.Finding, 0, len(in.Findings)),
		facts:     make(map[string]map[string]schemas.PackageFact),
		outcomes:  make(map[string]schemas.StageOutcome),
		metadata:  make(map[string]string),
	}
	for _, f := range in.Findings {
		f.RunID = runID
		ac.findings = append(ac.findings, f.ClampConfidence())
	}
	return ac
}

// RunID returns the identifier of this run.
func (ac *AnalysisContext) RunID() string { return ac.runID }

// StartedAt returns when the context was created.
func (ac *AnalysisContext) StartedAt() time.Time { return ac.startedAt }

// Targets returns the package versions under analysis.
func (ac *AnalysisContext) Targets() []schemas.PackageRef { return ac.input.Targets }

// Graph returns the dependency closure, which may be nil for remote runs
// without resolution data.
func (ac *AnalysisContext) Graph() *schemas.DependencyGraph { return ac.input.Graph }

// Ecosystem returns the registry namespace of the run.
func (ac *AnalysisContext) Ecosystem() schemas.Ecosystem { return ac.input.Ecosystem }

// Mode returns the input mode of the run.
func (ac *AnalysisContext) Mode() schemas.InputMode { return ac.input.Mode }

// InitialFindings returns the findings the run started with, before any
// stage contribution.
func (ac *AnalysisContext) InitialFindings() []schemas.Finding {
	out := make([]schemas.Finding, len(ac.input.Findings))
	copy(out, ac.input.Findings)
	return out
}

// Findings returns a copy of the accumulated findings so far.
func (ac *AnalysisContext) Findings() []schemas.Finding {
	out := make([]schemas.Finding, len(ac.findings))
	copy(out, ac.findings)
	return out
}

// Fact returns the current value of a per-package fact.
func (ac *AnalysisContext) Fact(packageID, key string) (schemas.PackageFact, bool) {
	byKey, ok := ac.facts[packageID]
	if !ok {
		return schemas.PackageFact{}, false
	}
	f, ok := byKey[key]
	return f, ok
}

// Outcome returns the recorded outcome for a stage that already ran.
func (ac *AnalysisContext) Outcome(stage string) (schemas.StageOutcome, bool) {
	o, ok := ac.outcomes[stage]
	return o, ok
}

// SetMetadata annotates the run. Driver and input construction only.
func (ac *AnalysisContext) SetMetadata(key, value string) { ac.metadata[key] = value }

// Metadata returns a run annotation.
func (ac *AnalysisContext) Metadata(key string) (string, bool) {
	v, ok := ac.metadata[key]
	return v, ok
}

// MaxSeverity returns the highest severity among accumulated findings, or
// false when there are none.
func (ac *AnalysisContext) MaxSeverity() (schemas.Severity, bool) {
	var best schemas.Severity
	for _, f := range ac.findings {
		if f.Severity.Rank() > best.Rank() {
			best = f.Severity
		}
	}
	return best, best != ""
}

// HasFindingWithEvidence reports whether any finding at or above minSeverity
// carries evidence of the given type. Trigger predicates build on this.
func (ac *AnalysisContext) HasFindingWithEvidence(minSeverity schemas.Severity, evidenceType string) bool {
	for _, f := range ac.findings {
		if f.Severity.Rank() < minSeverity.Rank() {
			continue
		}
		for _, ev := range f.Evidence {
			if ev.Type == evidenceType {
				return true
			}
		}
	}
	return false
}

// applyStageData merges a stage contribution: findings are appended (tagged
// with the contributing stage, confidence clamped), facts are upserted by
// package identifier. A Consolidated set replaces the accumulated findings
// wholesale; only synthesis emits one. Driver only.
func (ac *AnalysisContext) applyStageData(stage string, data *schemas.StageData) {
	if data == nil {
		return
	}
	if data.Consolidated != nil {
		merged := make([]schemas.Finding, 0, len(data.Consolidated))
		for _, f := range data.Consolidated {
			f.RunID = ac.runID
			merged = append(merged, f.ClampConfidence())
		}
		ac.findings = merged
	}
	for _, f := range data.Findings {
		f.RunID = ac.runID
		if f.Stage == "" {
			f.Stage = stage
		}
		ac.findings = append(ac.findings, f.ClampConfidence())
	}
	for _, fact := range data.Facts {
		byKey, ok := ac.facts[fact.PackageID]
		if !ok {
			byKey = make(map[string]schemas.PackageFact)
			ac.facts[fact.PackageID] = byKey
		}
		byKey[fact.Key] = fact
	}
}

// recordOutcome stores a stage outcome in the context. Driver only.
func (ac *AnalysisContext) recordOutcome(o schemas.StageOutcome) {
	ac.outcomes[o.Stage] = o
}
