package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// -- Mock Implementations for Testing --

// stubCapability is a function-backed Capability with call accounting.
type stubCapability struct {
	mu      sync.Mutex
	name    string
	calls   int
	analyze func(ctx context.Context, ac *AnalysisContext, call int) (*schemas.StageData, error)
}

func (s *stubCapability) Name() string { return s.name }

func (s *stubCapability) Analyze(ctx context.Context, ac *AnalysisContext) (*schemas.StageData, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	if s.analyze == nil {
		return &schemas.StageData{}, nil
	}
	return s.analyze(ctx, ac, call)
}

func (s *stubCapability) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// succeeding returns a capability that always contributes the given data.
func succeeding(name string, data *schemas.StageData) *stubCapability {
	return &stubCapability{
		name: name,
		analyze: func(context.Context, *AnalysisContext, int) (*schemas.StageData, error) {
			return data, nil
		},
	}
}

// failing returns a capability that always returns err.
func failing(name string, err error) *stubCapability {
	return &stubCapability{
		name: name,
		analyze: func(context.Context, *AnalysisContext, int) (*schemas.StageData, error) {
			return nil, err
		},
	}
}

// hanging returns a capability that cooperatively waits out the attempt
// deadline and reports it.
func hanging(name string) *stubCapability {
	return &stubCapability{
		name: name,
		analyze: func(ctx context.Context, _ *AnalysisContext, _ int) (*schemas.StageData, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
}

// stubFallback records requests and serves canned data per stage.
type stubFallback struct {
	mu     sync.Mutex
	asked  []string
	data   map[string]*schemas.StageData
	err    error
}

func (s *stubFallback) Fallback(_ context.Context, stage string, _ *AnalysisContext) (*schemas.StageData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, stage)
	if s.err != nil {
		return nil, s.err
	}
	if s.data == nil {
		return &schemas.StageData{}, nil
	}
	return s.data[stage], nil
}

func (s *stubFallback) askedFor() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.asked))
	copy(out, s.asked)
	return out
}

// fastDescriptor builds a descriptor with millisecond-scale retry settings
// so tests exercise the real schedule without real waits.
func fastDescriptor(name string, cap Capability, required bool) StageDescriptor {
	return StageDescriptor{
		Name:              name,
		Capability:        cap,
		Required:          required,
		Timeout:           200 * time.Millisecond,
		MaxRetries:        1,
		BaseDelay:         5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// testInput builds a minimal input bundle with one npm target.
func testInput(findings ...schemas.Finding) Input {
	target := schemas.PackageRef{Name: "left-pad", Version: "1.3.0", Ecosystem: schemas.EcosystemNPM}
	return Input{
		Findings:  findings,
		Targets:   []schemas.PackageRef{target},
		Ecosystem: schemas.EcosystemNPM,
		Mode:      schemas.InputModeLocal,
		Graph: &schemas.DependencyGraph{
			Roots: []schemas.PackageRef{target},
			Nodes: []schemas.PackageRef{target},
		},
	}
}

func mediumFinding(evidenceType string) schemas.Finding {
	f := schemas.Finding{
		Package:    "left-pad",
		Version:    "1.3.0",
		Kind:       schemas.KindObfuscation,
		Severity:   schemas.SeverityMedium,
		Confidence: 0.8,
		Title:      "packed payload in postinstall",
		Method:     schemas.MethodRuleBased,
	}
	if evidenceType != "" {
		f.Evidence = []schemas.Evidence{{Type: evidenceType, Value: "eval(atob(...))", Source: "manifest"}}
	}
	return f
}
