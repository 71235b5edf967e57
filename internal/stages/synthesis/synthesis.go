// File: internal/stages/synthesis/synthesis.go
// Description: The synthesis capability, last stage of every pipeline.
// Merges everything earlier stages accumulated: duplicates collapse, the
// survivors sort by severity, and per-run summary facts are recorded. Behind
// the same contract as any other stage.

package synthesis

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

const (
	StageName = "synthesis"

	// FactFindingCount and FactMaxSeverity summarize the merged result per
	// package.
	FactFindingCount = "finding_count"
	FactMaxSeverity  = "max_severity"
)

// Synthesizer consolidates the run's findings.
type Synthesizer struct {
	logger *zap.Logger
}

// New creates the synthesis capability.
func New(logger *zap.Logger) *Synthesizer {
	return &Synthesizer{logger: logger.Named("synthesis")}
}

func (s *Synthesizer) Name() string { return StageName }

// Analyze merges the accumulated findings and returns them as the run's
// consolidated set, plus per-package summary facts.
func (s *Synthesizer) Analyze(_ context.Context, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	merged := Merge(ac.Findings())

	data := &schemas.StageData{Consolidated: merged}

	perPackage := make(map[string][]schemas.Finding)
	for _, f := range merged {
		key := f.Package + "@" + f.Version
		perPackage[key] = append(perPackage[key], f)
	}
	for _, target := range ac.Targets() {
		fs := perPackage[target.Name+"@"+target.Version]
		data.Facts = append(data.Facts, schemas.PackageFact{
			PackageID: target.ID(),
			Key:       FactFindingCount,
			Value:     fmt.Sprintf("%d", len(fs)),
			Score:     float64(len(fs)),
		})
		if len(fs) > 0 {
			// Merge sorts by severity, so the first entry is the worst.
			data.Facts = append(data.Facts, schemas.PackageFact{
				PackageID: target.ID(),
				Key:       FactMaxSeverity,
				Value:     string(fs[0].Severity),
				Score:     float64(fs[0].Severity.Rank()),
			})
		}
	}

	s.logger.Info("Synthesis complete",
		zap.Int("input_findings", len(ac.Findings())),
		zap.Int("merged_findings", len(merged)),
	)
	return data, nil
}

// Merge collapses duplicate findings and orders the result. Duplicates
// share a DedupeKey; the survivor keeps the highest confidence seen and the
// union of all evidence. Ordering is severity rank descending, then package
// name, then title, so identical inputs always yield identical output.
func Merge(findings []schemas.Finding) []schemas.Finding {
	byKey := make(map[string]schemas.Finding, len(findings))
	order := make([]string, 0, len(findings))

	for _, f := range findings {
		key := f.DedupeKey()
		existing, seen := byKey[key]
		if !seen {
			byKey[key] = f
			order = append(order, key)
			continue
		}
		if f.Confidence > existing.Confidence {
			existing.Confidence = f.Confidence
		}
		existing.Evidence = unionEvidence(existing.Evidence, f.Evidence)
		if existing.Remediation == "" {
			existing.Remediation = f.Remediation
		}
		byKey[key] = existing
	}

	merged := make([]schemas.Finding, 0, len(order))
	for _, key := range order {
		merged = append(merged, byKey[key])
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Severity.Rank() != merged[j].Severity.Rank() {
			return merged[i].Severity.Rank() > merged[j].Severity.Rank()
		}
		if merged[i].Package != merged[j].Package {
			return merged[i].Package < merged[j].Package
		}
		return merged[i].Title < merged[j].Title
	})
	return merged
}

func unionEvidence(a, b []schemas.Evidence) []schemas.Evidence {
	seen := make(map[schemas.Evidence]bool, len(a))
	out := make([]schemas.Evidence, 0, len(a)+len(b))
	for _, ev := range a {
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	for _, ev := range b {
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	return out
}
