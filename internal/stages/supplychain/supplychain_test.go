package supplychain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

func ref(name, version string) schemas.PackageRef {
	return schemas.PackageRef{Name: name, Version: version, Ecosystem: schemas.EcosystemNPM}
}

func contextFor(in pipeline.Input) *pipeline.AnalysisContext {
	if in.Ecosystem == "" {
		in.Ecosystem = schemas.EcosystemNPM
	}
	in.Mode = schemas.InputModeLocal
	return pipeline.NewAnalysisContext("run-sc", in)
}

func TestEditDistance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"lodash", "lodash", 0},
		{"lodahs", "lodash", 1}, // transposition counts as one edit
		{"lodsh", "lodash", 1},
		{"loadash", "lodash", 1},
		{"lodash", "react", 6},
		{"", "abc", 3},
		{"abc", "", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, editDistance(tt.a, tt.b), "%s vs %s", tt.a, tt.b)
	}
}

func TestAnalyzeFlagsTyposquats(t *testing.T) {
	t.Parallel()

	a := New(zap.NewNop())
	ac := contextFor(pipeline.Input{
		Targets: []schemas.PackageRef{
			ref("lodahs", "1.0.0"),  // transposed impostor
			ref("lodash", "4.17.21"), // the real thing
			ref("left-pad", "1.3.0"), // unrelated
		},
	})

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)

	require.Len(t, data.Findings, 1)
	f := data.Findings[0]
	assert.Equal(t, "lodahs", f.Package)
	assert.Equal(t, schemas.KindTyposquat, f.Kind)
	assert.Equal(t, schemas.SeverityHigh, f.Severity)
	assert.Equal(t, schemas.MethodHeuristic, f.Method)
	require.Len(t, f.Evidence, 1)
	assert.Equal(t, schemas.EvidenceEditDistance, f.Evidence[0].Type)
}

func TestAnalyzeTyposquatIsEcosystemScoped(t *testing.T) {
	t.Parallel()

	a := New(zap.NewNop())
	// "requets" is one edit from PyPI's "requests"; in npm it matches nothing.
	ac := contextFor(pipeline.Input{
		Targets:   []schemas.PackageRef{{Name: "requets", Version: "1.0.0", Ecosystem: schemas.EcosystemPyPI}},
		Ecosystem: schemas.EcosystemPyPI,
	})

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)
	require.Len(t, data.Findings, 1)
	assert.Equal(t, schemas.KindTyposquat, data.Findings[0].Kind)
}

func TestAnalyzeGraphDepth(t *testing.T) {
	t.Parallel()

	// Chain: root -> d1 -> d2 -> ... -> d6, putting d6 at depth 6.
	refs := []schemas.PackageRef{ref("root", "1.0.0")}
	for i := 1; i <= 6; i++ {
		refs = append(refs, ref(string(rune('a'+i-1))+"-dep", "1.0.0"))
	}
	edges := make([]schemas.DependencyEdge, 0, len(refs)-1)
	for i := 0; i < len(refs)-1; i++ {
		edges = append(edges, schemas.DependencyEdge{From: refs[i], To: refs[i+1]})
	}
	graph := &schemas.DependencyGraph{
		Roots: refs[:1],
		Nodes: refs,
		Edges: edges,
	}

	a := New(zap.NewNop())
	ac := contextFor(pipeline.Input{
		Targets: []schemas.PackageRef{refs[1], refs[6]},
		Graph:   graph,
	})

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)

	// Both targets get a depth fact, only the deep one gets a finding.
	require.Len(t, data.Facts, 2)
	assert.Equal(t, FactGraphDepth, data.Facts[0].Key)
	assert.Equal(t, 1.0, data.Facts[0].Score)
	assert.Equal(t, 6.0, data.Facts[1].Score)

	require.Len(t, data.Findings, 1)
	f := data.Findings[0]
	assert.Equal(t, refs[6].Name, f.Package)
	assert.Equal(t, schemas.KindMaintainerRisk, f.Kind)
	assert.Equal(t, schemas.SeverityLow, f.Severity)
}

func TestAnalyzeNilGraphIsFine(t *testing.T) {
	t.Parallel()

	a := New(zap.NewNop())
	ac := contextFor(pipeline.Input{Targets: []schemas.PackageRef{ref("left-pad", "1.3.0")}})

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)
	assert.Empty(t, data.Facts)
	assert.Empty(t, data.Findings)
}

func TestAnalyzeCorroboratesInstallScripts(t *testing.T) {
	t.Parallel()

	target := ref("evil-pad", "0.0.7")
	scriptFinding := schemas.Finding{
		Package:  target.Name,
		Version:  target.Version,
		Kind:     schemas.KindInstallScript,
		Severity: schemas.SeverityMedium,
		Title:    "Package declares a postinstall script",
		Method:   schemas.MethodRuleBased,
	}
	obfuscationFinding := schemas.Finding{
		Package:  target.Name,
		Version:  target.Version,
		Kind:     schemas.KindObfuscation,
		Severity: schemas.SeverityMedium,
		Title:    "Minified payload with eval",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceObfuscationMarker, Value: "eval(atob(...))", Source: "manifest"},
		},
		Method: schemas.MethodRuleBased,
	}

	a := New(zap.NewNop())

	t.Run("both signals escalate", func(t *testing.T) {
		ac := contextFor(pipeline.Input{
			Targets:  []schemas.PackageRef{target},
			Findings: []schemas.Finding{scriptFinding, obfuscationFinding},
		})
		data, err := a.Analyze(context.Background(), ac)
		require.NoError(t, err)
		require.Len(t, data.Findings, 1)
		assert.Equal(t, schemas.KindMaliciousPattern, data.Findings[0].Kind)
		assert.Equal(t, schemas.SeverityHigh, data.Findings[0].Severity)
	})

	t.Run("script alone stays quiet", func(t *testing.T) {
		ac := contextFor(pipeline.Input{
			Targets:  []schemas.PackageRef{target},
			Findings: []schemas.Finding{scriptFinding},
		})
		data, err := a.Analyze(context.Background(), ac)
		require.NoError(t, err)
		assert.Empty(t, data.Findings)
	})

	t.Run("obfuscation alone stays quiet", func(t *testing.T) {
		ac := contextFor(pipeline.Input{
			Targets:  []schemas.PackageRef{target},
			Findings: []schemas.Finding{obfuscationFinding},
		})
		data, err := a.Analyze(context.Background(), ac)
		require.NoError(t, err)
		assert.Empty(t, data.Findings)
	})
}
