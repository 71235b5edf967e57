// File: internal/stages/fallback.go
package stages

import (
	"context"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

// ManifestFallback is the conservative fallback provider: when a required
// stage exhausts its retries, it substitutes the findings the manifest rules
// produced before the pipeline started. No fabricated data, no network —
// just the baseline the run began with, attributed to the exhausted stage.
type ManifestFallback struct {
	logger *zap.Logger
}

// NewManifestFallback creates the fallback provider.
func NewManifestFallback(logger *zap.Logger) *ManifestFallback {
	return &ManifestFallback{logger: logger.Named("fallback")}
}

// Fallback returns the initial manifest findings for the exhausted stage.
func (m *ManifestFallback) Fallback(_ context.Context, stage string, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	initial := ac.InitialFindings()

	findings := make([]schemas.Finding, 0, len(initial))
	for _, f := range initial {
		f.Stage = stage
		findings = append(findings, f)
	}

	m.logger.Warn("Substituting manifest baseline for exhausted stage",
		zap.String("stage", stage),
		zap.Int("findings", len(findings)),
	)
	return &schemas.StageData{Findings: findings}, nil
}
