// File: internal/stages/codepattern/codepattern.go
// Description: The code pattern analysis capability. Hands accumulated
// obfuscation evidence to a model and turns structured verdicts into
// findings. Optional stage; only triggered when earlier stages surfaced
// something worth a second opinion.

package codepattern

import (
	"context"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/llmclient"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const StageName = "code_pattern_analysis"

const systemPrompt = `You are a software supply chain security auditor.
You are given findings about packages, each with evidence snippets that may
indicate obfuscated or malicious code. For every package, judge whether the
evidence indicates intentionally malicious code.

Respond ONLY with a JSON array. Each element:
{"package": string, "version": string, "verdict": "malicious"|"suspicious"|"benign",
 "confidence": number between 0 and 1, "rationale": short string}`

// verdict is one model judgment parsed from the response.
type verdict struct {
	Package    string  `json:"package"`
	Version    string  `json:"version"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Judge asks the model to second-guess obfuscation evidence.
type Judge struct {
	client llmclient.Client
	logger *zap.Logger
}

// New creates the code pattern capability. The client may be nil when no
// API key is configured; Analyze then reports a configuration failure
// instead of exploding at construction time.
func New(client llmclient.Client, logger *zap.Logger) *Judge {
	return &Judge{
		client: client,
		logger: logger.Named("codepattern"),
	}
}

func (j *Judge) Name() string { return StageName }

// Trigger fires when any finding of at least medium severity carries an
// obfuscation marker. Cheap rule based detectors run first; the model is
// only consulted when they saw something.
func (j *Judge) Trigger(ac *pipeline.AnalysisContext) bool {
	return ac.HasFindingWithEvidence(schemas.SeverityMedium, schemas.EvidenceObfuscationMarker)
}

// Analyze builds one prompt from all qualifying findings and parses the
// structured verdicts back into findings.
func (j *Judge) Analyze(ctx context.Context, ac *pipeline.AnalysisContext) (*schemas.StageData, error) {
	if j.client == nil {
		return nil, pipeline.NewConfigurationError(StageName, fmt.Errorf("no model client configured (set PKGSENTRY_LLM_API_KEY)"))
	}

	subjects := j.collectSubjects(ac)
	if len(subjects) == 0 {
		// Trigger said go but the evidence evaporated; nothing to judge.
		return &schemas.StageData{}, nil
	}

	userPrompt, err := j.buildPrompt(subjects)
	if err != nil {
		return nil, err
	}

	raw, err := j.client.GenerateResponse(ctx, llmclient.GenerationRequest{
		SystemPrompt:    systemPrompt,
		UserPrompt:      userPrompt,
		ForceJSONFormat: true,
	})
	if err != nil {
		return nil, fmt.Errorf("model judgment failed: %w", err)
	}

	verdicts, err := parseVerdicts(raw)
	if err != nil {
		return nil, err
	}

	data := &schemas.StageData{}
	for _, v := range verdicts {
		if f, ok := j.toFinding(v); ok {
			data.Findings = append(data.Findings, f)
		}
	}

	j.logger.Info("Model judgment complete",
		zap.Int("subjects", len(subjects)),
		zap.Int("verdicts", len(verdicts)),
		zap.Int("findings", len(data.Findings)),
	)
	return data, nil
}

// collectSubjects gathers the findings whose evidence the model should see.
func (j *Judge) collectSubjects(ac *pipeline.AnalysisContext) []schemas.Finding {
	var subjects []schemas.Finding
	for _, f := range ac.Findings() {
		if f.Severity.Rank() < schemas.SeverityMedium.Rank() {
			continue
		}
		for _, ev := range f.Evidence {
			if ev.Type == schemas.EvidenceObfuscationMarker || ev.Type == schemas.EvidenceCodeSnippet {
				subjects = append(subjects, f)
				break
			}
		}
	}
	return subjects
}

func (j *Judge) buildPrompt(subjects []schemas.Finding) (string, error) {
	type subject struct {
		Package  string            `json:"package"`
		Version  string            `json:"version"`
		Title    string            `json:"title"`
		Evidence []schemas.Evidence `json:"evidence"`
	}
	payload := make([]subject, 0, len(subjects))
	for _, f := range subjects {
		payload = append(payload, subject{
			Package:  f.Package,
			Version:  f.Version,
			Title:    f.Title,
			Evidence: f.Evidence,
		})
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal prompt payload: %w", err)
	}
	return string(b), nil
}

// parseVerdicts decodes the model response, tolerating markdown fences.
func parseVerdicts(raw string) ([]verdict, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var verdicts []verdict
	if err := json.Unmarshal([]byte(cleaned), &verdicts); err != nil {
		return nil, fmt.Errorf("model returned unparseable verdicts: %w", err)
	}
	return verdicts, nil
}

func (j *Judge) toFinding(v verdict) (schemas.Finding, bool) {
	var severity schemas.Severity
	switch strings.ToLower(v.Verdict) {
	case "malicious":
		severity = schemas.SeverityCritical
	case "suspicious":
		severity = schemas.SeverityHigh
	default:
		return schemas.Finding{}, false
	}

	return schemas.Finding{
		ObservedAt: time.Now().UTC(),
		Package:    v.Package,
		Version:    v.Version,
		Kind:       schemas.KindMaliciousPattern,
		Severity:   severity,
		Confidence: v.Confidence,
		Title:      fmt.Sprintf("Model judged %s code patterns in %s", strings.ToLower(v.Verdict), v.Package),
		Description: fmt.Sprintf("A model review of obfuscation evidence in %s@%s returned verdict %q.",
			v.Package, v.Version, v.Verdict),
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceModelRationale, Value: v.Rationale, Source: "model"},
		},
		Remediation: "Manually review the flagged code before installing or upgrading this package.",
		Method:      schemas.MethodModelJudgment,
	}, true
}
