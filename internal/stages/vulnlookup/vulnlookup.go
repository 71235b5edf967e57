// File: internal/stages/vulnlookup/vulnlookup.go
// Description: The vulnerability analysis capability. Queries an OSV style
// advisory service for every target package, in parallel, and maps returned
// advisories to findings.

package vulnlookup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const StageName = "vulnerability_analysis"

// osvQuery is the request body for one package version lookup.
type osvQuery struct {
	Version string `json:"version,omitempty"`
	Package struct {
		Name      string `json:"name"`
		Ecosystem string `json:"ecosystem"`
	} `json:"package"`
}

// osvResponse is the subset of the advisory response the capability reads.
type osvResponse struct {
	Vulns []osvVuln `json:"vulns"`
}

type osvVuln struct {
	ID               string   `json:"id"`
	Summary          string   `json:"summary"`
	Details          string   `json:"details"`
	Aliases          []string `json:"aliases"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// ecosystemNames maps our ecosystem tags to the OSV registry namespaces.
var ecosystemNames = map[schemas.Ecosystem]string{
	schemas.EcosystemNPM:   "npm",
	schemas.EcosystemPyPI:  "PyPI",
	schemas.EcosystemGo:    "Go",
	schemas.EcosystemCrate: "crates.io",
}

// Analyzer queries the advisory service for each target package.
type Analyzer struct {
	cfg        config.OSVConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// New creates the vulnerability analysis capability.
func New(cfg config.OSVConfig, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger.Named("vulnlookup"),
	}
}

func (a *Analyzer) Name() string { return StageName }

// Analyze fans one advisory query out per target and joins the results
// before returning. The fan-out is invisible to the driver.
func (a *Analyzer) Analyze(ctx context.Context, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	if a.cfg.Endpoint == "" {
		return nil, pipeline.NewConfigurationError(StageName, fmt.Errorf("no advisory endpoint configured"))
	}

	ecoName, ok := ecosystemNames[ac.Ecosystem()]
	if !ok {
		return nil, pipeline.NewConfigurationError(StageName, fmt.Errorf("unsupported ecosystem %q", ac.Ecosystem()))
	}

	targets := ac.Targets()
	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)

	var mu sync.Mutex
	findings := make([]schemas.Finding, 0)

	for _, target := range targets {
		g.Go(func() error {
			vulns, err := a.queryPackage(groupCtx, ecoName, target)
			if err != nil {
				return fmt.Errorf("advisory lookup for %s: %w", target.ID(), err)
			}
			fs := make([]schemas.Finding, 0, len(vulns))
			for _, v := range vulns {
				fs = append(fs, a.toFinding(target, v))
			}
			mu.Lock()
			findings = append(findings, fs...)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	a.logger.Info("Advisory lookup complete",
		zap.Int("targets", len(targets)),
		zap.Int("findings", len(findings)),
	)

	return &schemas.StageData{Findings: findings}, nil
}

func (a *Analyzer) queryPackage(ctx context.Context, ecosystem string, target schemas.PackageRef) ([]osvVuln, error) {
	var q osvQuery
	q.Version = target.Version
	q.Package.Name = target.Name
	q.Package.Ecosystem = ecosystem

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("advisory service returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed osvResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode advisory response: %w", err)
	}
	return parsed.Vulns, nil
}

func (a *Analyzer) toFinding(target schemas.PackageRef, v osvVuln) schemas.Finding {
	severity, err := schemas.ParseSeverity(v.DatabaseSpecific.Severity)
	if err != nil {
		// Advisories without a usable severity tier land in the middle
		// rather than silently vanishing.
		severity = schemas.SeverityMedium
	}

	title := v.Summary
	if title == "" {
		title = fmt.Sprintf("Known vulnerability %s", v.ID)
	}

	evidence := []schemas.Evidence{
		{Type: schemas.EvidenceAdvisoryID, Value: v.ID, Source: "osv"},
	}
	for _, alias := range v.Aliases {
		evidence = append(evidence, schemas.Evidence{Type: schemas.EvidenceAdvisoryID, Value: alias, Source: "osv"})
	}

	return schemas.Finding{
		ID:          v.ID,
		ObservedAt:  time.Now().UTC(),
		Package:     target.Name,
		Version:     target.Version,
		Kind:        schemas.KindKnownVulnerability,
		Severity:    severity,
		Confidence:  1.0, // advisory data is not a guess
		Title:       title,
		Description: strings.TrimSpace(v.Details),
		Evidence:    evidence,
		Remediation: fmt.Sprintf("Upgrade %s to a version not affected by %s.", target.Name, v.ID),
		Method:      schemas.MethodAdvisoryLookup,
	}
}
