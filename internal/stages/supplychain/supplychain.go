// File: internal/stages/supplychain/supplychain.go
// Description: The supply chain analysis capability. Purely local
// heuristics: typosquat distance against popular package names, dependency
// graph depth anomalies, and corroboration of install script findings.

package supplychain

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

const (
	StageName = "supplychain_analysis"

	// FactGraphDepth records how deep a target sits in the resolved graph.
	FactGraphDepth = "graph_depth"

	// deepDependencyThreshold flags targets buried unusually far down the
	// dependency chain; malicious packages hide where nobody reviews.
	deepDependencyThreshold = 6
)

// popularPackages are the names typosquatters imitate, per ecosystem. The
// list is deliberately small: it exists to catch one-edit impostors of the
// heavy hitters, not to mirror the registry.
var popularPackages = map[schemas.Ecosystem][]string{
	schemas.EcosystemNPM: {
		"react", "lodash", "express", "axios", "chalk", "commander",
		"webpack", "typescript", "moment", "request", "underscore", "async",
	},
	schemas.EcosystemPyPI: {
		"requests", "numpy", "pandas", "django", "flask", "urllib3",
		"setuptools", "cryptography", "pillow", "boto3",
	},
	schemas.EcosystemGo: {
		"golang.org/x/crypto", "github.com/stretchr/testify",
		"github.com/spf13/cobra", "google.golang.org/grpc",
	},
	schemas.EcosystemCrate: {
		"serde", "tokio", "rand", "clap", "syn", "regex",
	},
}

// Analyzer runs the local heuristics. No I/O, no configuration to get
// wrong; this stage cannot fail for configuration reasons.
type Analyzer struct {
	logger *zap.Logger
}

// New creates the supply chain capability.
func New(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger.Named("supplychain")}
}

func (a *Analyzer) Name() string { return StageName }

// Analyze evaluates every target against the heuristics.
func (a *Analyzer) Analyze(_ context.Context, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	data := &schemas.StageData{}

	for _, target := range ac.Targets() {
		if f, ok := a.checkTyposquat(target); ok {
			data.Findings = append(data.Findings, f)
		}
		a.checkGraphDepth(ac, target, data)
		if f, ok := a.corroborateInstallScript(ac, target); ok {
			data.Findings = append(data.Findings, f)
		}
	}

	a.logger.Info("Supply chain heuristics complete",
		zap.Int("targets", len(ac.Targets())),
		zap.Int("findings", len(data.Findings)),
	)
	return data, nil
}

// checkTyposquat flags targets within one edit of a popular package name.
func (a *Analyzer) checkTyposquat(target schemas.PackageRef) (schemas.Finding, bool) {
	for _, popular := range popularPackages[target.Ecosystem] {
		if target.Name == popular {
			return schemas.Finding{}, false // it IS the popular package
		}
		d := editDistance(strings.ToLower(target.Name), strings.ToLower(popular))
		if d != 1 {
			continue
		}
		return schemas.Finding{
			ObservedAt: time.Now().UTC(),
			Package:    target.Name,
			Version:    target.Version,
			Kind:       schemas.KindTyposquat,
			Severity:   schemas.SeverityHigh,
			Confidence: 0.8,
			Title:      fmt.Sprintf("Package name %q is one edit from %q", target.Name, popular),
			Description: fmt.Sprintf("%s sits within edit distance 1 of the widely used package %s. "+
				"Typosquatting is a common distribution vector for malicious packages.", target.Name, popular),
			Evidence: []schemas.Evidence{
				{Type: schemas.EvidenceEditDistance, Value: fmt.Sprintf("%s~%s:1", target.Name, popular), Source: "heuristic"},
			},
			Remediation: fmt.Sprintf("Verify you intended to install %q and not %q.", target.Name, popular),
			Method:      schemas.MethodHeuristic,
		}, true
	}
	return schemas.Finding{}, false
}

// checkGraphDepth records the target's depth and flags targets buried past
// the threshold.
func (a *Analyzer) checkGraphDepth(ac *pipeline.AnalysisContext, target schemas.PackageRef, data *schemas.StageData) {
	graph := ac.Graph()
	if graph == nil {
		return
	}
	depth := graph.Depth(target)
	if depth < 0 {
		return
	}

	data.Facts = append(data.Facts, schemas.PackageFact{
		PackageID: target.ID(),
		Key:       FactGraphDepth,
		Value:     fmt.Sprintf("%d", depth),
		Score:     float64(depth),
	})

	if depth < deepDependencyThreshold {
		return
	}
	data.Findings = append(data.Findings, schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    target.Name,
		Version:    target.Version,
		Kind:       schemas.KindMaintainerRisk,
		Severity:   schemas.SeverityLow,
		Confidence: 0.5,
		Title:      fmt.Sprintf("%s sits %d levels deep in the dependency graph", target.Name, depth),
		Description: "Deeply transitive dependencies receive little review and are a favored " +
			"compromise point. Consider whether this subtree is worth its risk.",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceGraphDepth, Value: fmt.Sprintf("%d", depth), Source: "graph"},
		},
		Method: schemas.MethodHeuristic,
	})
}

// corroborateInstallScript escalates when a target both runs install
// scripts and carries obfuscation evidence. Either alone is routine; the
// combination is the classic payload delivery shape.
func (a *Analyzer) corroborateInstallScript(ac *pipeline.AnalysisContext, target schemas.PackageRef) (schemas.Finding, bool) {
	var hasScript, hasObfuscation bool
	for _, f := range ac.Findings() {
		if f.Package != target.Name || f.Version != target.Version {
			continue
		}
		if f.Kind == schemas.KindInstallScript {
			hasScript = true
		}
		for _, ev := range f.Evidence {
			if ev.Type == schemas.EvidenceObfuscationMarker {
				hasObfuscation = true
			}
		}
	}
	if !hasScript || !hasObfuscation {
		return schemas.Finding{}, false
	}

	return schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    target.Name,
		Version:    target.Version,
		Kind:       schemas.KindMaliciousPattern,
		Severity:   schemas.SeverityHigh,
		Confidence: 0.75,
		Title:      fmt.Sprintf("%s combines install scripts with obfuscated code", target.Name),
		Description: "The package declares lifecycle install scripts and separately shows " +
			"obfuscation markers. Obfuscated code executed at install time warrants manual review.",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceScriptName, Value: "install", Source: "heuristic"},
		},
		Remediation: "Install with scripts disabled and inspect the package contents first.",
		Method:      schemas.MethodHeuristic,
	}, true
}

// editDistance computes the Damerau-Levenshtein distance between two
// strings, the right metric for keyboard slips (it counts transpositions
// as a single edit).
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}

	prev2 := make([]int, lb+1)
	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				curr[j] = min(curr[j], prev2[j-2]+1)
			}
		}
		prev2, prev, curr = prev, curr, prev2
	}
	return prev[lb]
}
