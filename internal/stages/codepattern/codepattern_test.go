package codepattern

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/llmclient"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

// mockClient is a canned llmclient.Client recording the prompts it saw.
type mockClient struct {
	mu       sync.Mutex
	prompts  []llmclient.GenerationRequest
	response string
	err      error
}

func (m *mockClient) GenerateResponse(_ context.Context, req llmclient.GenerationRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, req)
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func obfuscatedFinding(severity schemas.Severity) schemas.Finding {
	return schemas.Finding{
		Package:    "evil-pad",
		Version:    "0.0.7",
		Kind:       schemas.KindObfuscation,
		Severity:   severity,
		Confidence: 0.8,
		Title:      "Heavily obfuscated install payload",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceObfuscationMarker, Value: "eval(atob(...))", Source: "manifest"},
		},
		Method: schemas.MethodRuleBased,
	}
}

func contextWith(findings ...schemas.Finding) *pipeline.AnalysisContext {
	return pipeline.NewAnalysisContext("run-cp", pipeline.Input{
		Findings:  findings,
		Targets:   []schemas.PackageRef{{Name: "evil-pad", Version: "0.0.7", Ecosystem: schemas.EcosystemNPM}},
		Ecosystem: schemas.EcosystemNPM,
		Mode:      schemas.InputModeLocal,
	})
}

func TestTrigger(t *testing.T) {
	t.Parallel()
	j := New(&mockClient{}, zap.NewNop())

	t.Run("fires on medium finding with obfuscation marker", func(t *testing.T) {
		assert.True(t, j.Trigger(contextWith(obfuscatedFinding(schemas.SeverityMedium))))
	})

	t.Run("quiet on low severity", func(t *testing.T) {
		assert.False(t, j.Trigger(contextWith(obfuscatedFinding(schemas.SeverityLow))))
	})

	t.Run("quiet without the marker", func(t *testing.T) {
		f := obfuscatedFinding(schemas.SeverityHigh)
		f.Evidence = nil
		assert.False(t, j.Trigger(contextWith(f)))
	})

	t.Run("quiet on empty context", func(t *testing.T) {
		assert.False(t, j.Trigger(contextWith()))
	})
}

func TestAnalyzeMapsVerdictsToFindings(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		response: `[
			{"package":"evil-pad","version":"0.0.7","verdict":"malicious","confidence":0.95,"rationale":"decodes and evals a remote payload"},
			{"package":"left-pad","version":"1.3.0","verdict":"benign","confidence":0.9,"rationale":"plain string padding"}
		]`,
	}
	j := New(client, zap.NewNop())

	data, err := j.Analyze(context.Background(), contextWith(obfuscatedFinding(schemas.SeverityHigh)))
	require.NoError(t, err)

	// Benign verdicts produce no finding.
	require.Len(t, data.Findings, 1)
	f := data.Findings[0]
	assert.Equal(t, "evil-pad", f.Package)
	assert.Equal(t, schemas.KindMaliciousPattern, f.Kind)
	assert.Equal(t, schemas.SeverityCritical, f.Severity)
	assert.Equal(t, 0.95, f.Confidence)
	assert.Equal(t, schemas.MethodModelJudgment, f.Method)
	require.Len(t, f.Evidence, 1)
	assert.Equal(t, schemas.EvidenceModelRationale, f.Evidence[0].Type)

	require.Len(t, client.prompts, 1)
	assert.True(t, client.prompts[0].ForceJSONFormat)
	assert.Contains(t, client.prompts[0].UserPrompt, "eval(atob(...))")
}

func TestAnalyzeSuspiciousVerdict(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		response: "```json\n[{\"package\":\"evil-pad\",\"version\":\"0.0.7\",\"verdict\":\"suspicious\",\"confidence\":0.6,\"rationale\":\"packed but not clearly hostile\"}]\n```",
	}
	j := New(client, zap.NewNop())

	data, err := j.Analyze(context.Background(), contextWith(obfuscatedFinding(schemas.SeverityMedium)))
	require.NoError(t, err, "markdown fences around the JSON must be tolerated")
	require.Len(t, data.Findings, 1)
	assert.Equal(t, schemas.SeverityHigh, data.Findings[0].Severity)
}

func TestAnalyzeNilClientIsConfiguration(t *testing.T) {
	t.Parallel()

	j := New(nil, zap.NewNop())
	_, err := j.Analyze(context.Background(), contextWith(obfuscatedFinding(schemas.SeverityMedium)))
	require.Error(t, err)
	assert.True(t, pipeline.IsConfiguration(err))
}

func TestAnalyzeModelErrorIsExecution(t *testing.T) {
	t.Parallel()

	j := New(&mockClient{err: errors.New("model overloaded")}, zap.NewNop())
	_, err := j.Analyze(context.Background(), contextWith(obfuscatedFinding(schemas.SeverityMedium)))
	require.Error(t, err)
	assert.False(t, pipeline.IsConfiguration(err))
}

func TestAnalyzeGarbageResponse(t *testing.T) {
	t.Parallel()

	j := New(&mockClient{response: "I think this package is probably fine."}, zap.NewNop())
	_, err := j.Analyze(context.Background(), contextWith(obfuscatedFinding(schemas.SeverityMedium)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
}

func TestAnalyzeNoSubjects(t *testing.T) {
	t.Parallel()

	client := &mockClient{response: "[]"}
	j := New(client, zap.NewNop())

	data, err := j.Analyze(context.Background(), contextWith())
	require.NoError(t, err)
	assert.Empty(t, data.Findings)
	assert.Empty(t, client.prompts, "no evidence means no model call")
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	t.Parallel()

	client := &mockClient{
		response: `[{"package":"evil-pad","version":"0.0.7","verdict":"malicious","confidence":0.9,"rationale":"r"}]`,
	}
	j := New(client, zap.NewNop())
	ac := contextWith(obfuscatedFinding(schemas.SeverityMedium))

	first, err := j.Analyze(context.Background(), ac)
	require.NoError(t, err)
	second, err := j.Analyze(context.Background(), ac)
	require.NoError(t, err)

	require.Len(t, first.Findings, 1)
	require.Len(t, second.Findings, 1)
	// ObservedAt differs between calls; the judgment itself must not.
	f1, f2 := first.Findings[0], second.Findings[0]
	f1.ObservedAt, f2.ObservedAt = time.Time{}, time.Time{}
	assert.Equal(t, f1, f2)
}
