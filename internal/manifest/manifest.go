// File: internal/manifest/manifest.go
// Description: Builds the immutable input bundle a pipeline run starts
// from: targets and a dependency graph parsed out of a lockfile, plus the
// baseline findings the local rules can produce without any network.

package manifest

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

// Loader turns a lockfile on disk into a pipeline input bundle.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a manifest loader.
func NewLoader(logger *zap.Logger) *Loader {
	return &Loader{logger: logger.Named("manifest")}
}

// Load parses the lockfile at path for the given ecosystem. The returned
// input carries every resolved package as a target, the dependency graph,
// and whatever baseline findings the local rules produced.
func (l *Loader) Load(path string, ecosystem schemas.Ecosystem) (*pipeline.Input, error) {
	var (
		in  *pipeline.Input
		err error
	)

	switch ecosystem {
	case schemas.EcosystemNPM:
		in, err = l.loadPackageLock(path)
	case schemas.EcosystemPyPI:
		in, err = l.loadRequirements(path)
	default:
		return nil, fmt.Errorf("no lockfile parser for ecosystem %q", ecosystem)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", path, err)
	}

	in.Ecosystem = ecosystem
	in.Mode = schemas.InputModeLocal

	// Rules that need the installed tree look next to the lockfile.
	in.Findings = append(in.Findings, l.scanInstalledTree(filepath.Dir(path), in.Targets)...)

	l.logger.Info("Manifest loaded",
		zap.String("path", path),
		zap.Int("targets", len(in.Targets)),
		zap.Int("baseline_findings", len(in.Findings)),
	)
	return in, nil
}
