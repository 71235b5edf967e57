// File: internal/stages/reputation/reputation.go
// Description: The reputation analysis capability. Pulls registry scorecard
// metadata for each target, records it as package facts, and raises findings
// for packages scoring below the configured threshold.

package reputation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	StageName = "reputation_analysis"

	// FactScore is the per-package fact key this stage upserts, in [0,1].
	FactScore = "reputation_score"
)

// packageMeta is the subset of the registry metadata response we read.
type packageMeta struct {
	Scorecard struct {
		// Score is on the scorecard 0-10 scale.
		Score float64 `json:"score"`
	} `json:"scorecard"`
	Maintainers int  `json:"maintainers"`
	Deprecated  bool `json:"deprecated"`
}

// Analyzer looks up registry reputation metadata, politely.
type Analyzer struct {
	cfg        config.RegistryConfig
	threshold  float64
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates the reputation capability. Requests are rate limited to
// cfg.RateLimit queries per second; registries ban the impolite.
func New(cfg config.RegistryConfig, threshold float64, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		cfg:        cfg,
		threshold:  threshold,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RateLimit), 1),
		logger:     logger.Named("reputation"),
	}
}

func (a *Analyzer) Name() string { return StageName }

// Trigger reports whether the stage has anything to do: at least one target
// whose reputation is not already on record, or on record below the
// threshold. Pure read of the context.
func (a *Analyzer) Trigger(ac *pipeline.AnalysisContext) bool {
	for _, target := range ac.Targets() {
		fact, ok := ac.Fact(target.ID(), FactScore)
		if !ok || fact.Score < a.threshold {
			return true
		}
	}
	return false
}

// Analyze queries targets sequentially under the rate limiter. Sequential is
// deliberate here: the limiter dominates throughput anyway and the result
// order stays deterministic.
func (a *Analyzer) Analyze(ctx context.Context, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	if a.cfg.Endpoint == "" {
		return nil, pipeline.NewConfigurationError(StageName, fmt.Errorf("no registry endpoint configured"))
	}

	data := &schemas.StageData{}

	for _, target := range ac.Targets() {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		meta, err := a.fetchMeta(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("reputation lookup for %s: %w", target.ID(), err)
		}

		score := meta.Scorecard.Score / 10.0
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}

		data.Facts = append(data.Facts, schemas.PackageFact{
			PackageID: target.ID(),
			Key:       FactScore,
			Value:     fmt.Sprintf("%.2f", score),
			Score:     score,
		})

		if score < a.threshold || meta.Deprecated {
			data.Findings = append(data.Findings, a.toFinding(target, score, meta))
		}
	}

	a.logger.Info("Reputation lookup complete",
		zap.Int("targets", len(ac.Targets())),
		zap.Int("findings", len(data.Findings)),
	)
	return data, nil
}

func (a *Analyzer) fetchMeta(ctx context.Context, target schemas.PackageRef) (*packageMeta, error) {
	endpoint := fmt.Sprintf("%s/systems/%s/packages/%s/versions/%s",
		a.cfg.Endpoint,
		url.PathEscape(string(target.Ecosystem)),
		url.PathEscape(target.Name),
		url.PathEscape(target.Version),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		// Unknown to the registry: score it zero rather than failing the
		// stage; absence from the registry is itself a signal.
		return &packageMeta{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d: %s", resp.StatusCode, string(body))
	}

	var meta packageMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode registry response: %w", err)
	}
	return &meta, nil
}

func (a *Analyzer) toFinding(target schemas.PackageRef, score float64, meta *packageMeta) schemas.Finding {
	severity := schemas.SeverityLow
	if meta.Deprecated || score < a.threshold/2 {
		severity = schemas.SeverityMedium
	}

	title := fmt.Sprintf("Low reputation score for %s", target.Name)
	if meta.Deprecated {
		title = fmt.Sprintf("Package %s is deprecated", target.Name)
	}

	return schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    target.Name,
		Version:    target.Version,
		Kind:       schemas.KindReputationRisk,
		Severity:   severity,
		Confidence: 0.7,
		Title:      title,
		Description: fmt.Sprintf("Registry scorecard places %s at %.2f, below the configured threshold of %.2f.",
			target.ID(), score, a.threshold),
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceReputationScore, Value: fmt.Sprintf("%.2f", score), Source: "registry"},
		},
		Remediation: "Review the package's maintenance status and consider a better supported alternative.",
		Method:      schemas.MethodReputation,
	}
}
