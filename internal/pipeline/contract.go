// File: internal/pipeline/contract.go
// Description: The capability contract every stage implementation satisfies,
// and the descriptor/registry machinery that fixes the pipeline shape.

package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// Capability is the pluggable implementation backing one pipeline stage. A
// capability may be a local heuristic, an external lookup, or a model-backed
// judgment; the driver does not care which.
//
// Analyze must honor ctx cooperatively (the per-attempt deadline lives
// there), must not mutate the context it is given, and must be idempotent:
// the retry executor may invoke it several times against the same context.
// Configuration problems (missing credential, unreachable-by-construction
// endpoint) should be reported via ConfigurationError so the executor fails
// fast instead of burning the retry budget.
type Capability interface {
	Name() string
	Analyze(ctx context.Context, ac *AnalysisContext) (*schemas.StageData, error)
}

// TriggerPredicate decides whether an optional stage runs, as a pure
// function of the context accumulated so far. A nil predicate means
// always-run, which is how required stages are expressed.
type TriggerPredicate func(ac *AnalysisContext) bool

// FallbackProvider supplies conservative default data when a required stage
// exhausts its retries. The pipeline favors a degraded result over aborting.
type FallbackProvider interface {
	Fallback(ctx context.Context, stage string, ac *AnalysisContext) (*schemas.StageData, error)
}

// StageDescriptor binds a capability to its execution policy. Descriptors
// are registered once; the pipeline shape never changes mid-run.
type StageDescriptor struct {
	Name       string
	Capability Capability
	Required   bool

	// Trigger gates optional stages; must be nil for required stages.
	Trigger TriggerPredicate

	// Timeout bounds every individual attempt.
	Timeout time.Duration

	// MaxRetries is the number of re-invocations after the first attempt.
	MaxRetries int

	// BaseDelay and BackoffMultiplier define the wait before attempt i+1 as
	// BaseDelay * BackoffMultiplier^i.
	BaseDelay         time.Duration
	BackoffMultiplier float64
}

// Registry holds the ordered pipeline definition. Execution order equals
// registration order, always; optional stages may be skipped but stages are
// never reordered.
type Registry struct {
	stages []StageDescriptor
	byName map[string]int
}

// NewRegistry creates an empty pipeline definition.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register appends a descriptor to the pipeline. Registration errors are
// programmer errors; they are the only condition under which the
// orchestrator refuses to run at all.
func (r *Registry) Register(desc StageDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("stage descriptor requires a name")
	}
	if _, exists := r.byName[desc.Name]; exists {
		return fmt.Errorf("stage %q registered twice", desc.Name)
	}
	if desc.Capability == nil {
		return fmt.Errorf("stage %q has no capability", desc.Name)
	}
	if desc.Required && desc.Trigger != nil {
		return fmt.Errorf("stage %q is required and cannot carry a trigger predicate", desc.Name)
	}
	if desc.Timeout <= 0 {
		return fmt.Errorf("stage %q needs a positive timeout", desc.Name)
	}
	if desc.MaxRetries < 0 {
		return fmt.Errorf("stage %q has negative max retries", desc.Name)
	}
	if desc.BaseDelay < 0 {
		return fmt.Errorf("stage %q has negative base delay", desc.Name)
	}
	if desc.BackoffMultiplier < 1.0 {
		return fmt.Errorf("stage %q needs a backoff multiplier of at least 1.0", desc.Name)
	}

	r.byName[desc.Name] = len(r.stages)
	r.stages = append(r.stages, desc)
	return nil
}

// Stages returns the descriptors in registration order.
func (r *Registry) Stages() []StageDescriptor {
	out := make([]StageDescriptor, len(r.stages))
	copy(out, r.stages)
	return out
}

// Len returns the number of registered stages.
func (r *Registry) Len() int { return len(r.stages) }

// SynthesisStage returns the name of the final stage; the degradation
// evaluator treats its failure specially.
func (r *Registry) SynthesisStage() string {
	if len(r.stages) == 0 {
		return ""
	}
	return r.stages[len(r.stages)-1].Name
}

// Validate checks whole-pipeline invariants that individual registrations
// cannot see.
func (r *Registry) Validate() error {
	if len(r.stages) == 0 {
		return fmt.Errorf("pipeline has no stages")
	}
	last := r.stages[len(r.stages)-1]
	if !last.Required {
		return fmt.Errorf("final stage %q must be required: synthesis always runs", last.Name)
	}
	return nil
}

// WorstCaseDuration is the deterministic wall-clock upper bound for a full
// run: the sum over stages of timeout*(retries+1) plus the back-off waits.
func (r *Registry) WorstCaseDuration() time.Duration {
	var total time.Duration
	for _, s := range r.stages {
		total += s.Timeout * time.Duration(s.MaxRetries+1)
		delay := s.BaseDelay
		for i := 0; i < s.MaxRetries; i++ {
			total += delay
			delay = time.Duration(float64(delay) * s.BackoffMultiplier)
		}
	}
	return total
}
