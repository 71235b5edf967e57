package vulnlookup

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
	"github.com/pkgsentry/pkgsentry/internal/config"
	"github.com/pkgsentry/pkgsentry/internal/pipeline"
)

func testConfig(endpoint string) config.OSVConfig {
	return config.OSVConfig{
		Endpoint:    endpoint,
		Concurrency: 4,
		HTTPTimeout: 5 * time.Second,
	}
}

func inputFor(targets ...schemas.PackageRef) pipeline.Input {
	return pipeline.Input{
		Targets:   targets,
		Ecosystem: schemas.EcosystemNPM,
		Mode:      schemas.InputModeLocal,
	}
}

func ref(name, version string) schemas.PackageRef {
	return schemas.PackageRef{Name: name, Version: version, Ecosystem: schemas.EcosystemNPM}
}

func TestAnalyzeMapsAdvisoriesToFindings(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var q osvQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "npm", q.Package.Ecosystem)

		if q.Package.Name != "event-stream" {
			fmt.Fprint(w, `{"vulns":[]}`)
			return
		}
		fmt.Fprint(w, `{"vulns":[{
			"id":"GHSA-mh6f-8j2x-4483",
			"summary":"Malicious code in event-stream",
			"details":"flatmap-stream dependency injected a bitcoin stealer.",
			"aliases":["CVE-2018-1000851"],
			"database_specific":{"severity":"CRITICAL"}
		}]}`)
	}))
	defer server.Close()

	a := New(testConfig(server.URL), zap.NewNop())
	ac := pipeline.NewAnalysisContext("run-osv", inputFor(ref("event-stream", "3.3.6"), ref("left-pad", "1.3.0")))

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)
	require.Len(t, data.Findings, 1)

	f := data.Findings[0]
	assert.Equal(t, "event-stream", f.Package)
	assert.Equal(t, schemas.KindKnownVulnerability, f.Kind)
	assert.Equal(t, schemas.SeverityCritical, f.Severity)
	assert.Equal(t, schemas.MethodAdvisoryLookup, f.Method)
	assert.Equal(t, 1.0, f.Confidence)

	require.Len(t, f.Evidence, 2)
	assert.Equal(t, schemas.EvidenceAdvisoryID, f.Evidence[0].Type)
	assert.Equal(t, "GHSA-mh6f-8j2x-4483", f.Evidence[0].Value)
	assert.Equal(t, "CVE-2018-1000851", f.Evidence[1].Value)
}

func TestAnalyzeUnknownSeverityDefaultsToMedium(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"vulns":[{"id":"OSV-2024-1","database_specific":{"severity":""}}]}`)
	}))
	defer server.Close()

	a := New(testConfig(server.URL), zap.NewNop())
	ac := pipeline.NewAnalysisContext("run-sev", inputFor(ref("left-pad", "1.3.0")))

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)
	require.Len(t, data.Findings, 1)
	assert.Equal(t, schemas.SeverityMedium, data.Findings[0].Severity)
	assert.Equal(t, "Known vulnerability OSV-2024-1", data.Findings[0].Title)
}

func TestAnalyzeQueriesEveryTarget(t *testing.T) {
	t.Parallel()

	var queries atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries.Add(1)
		fmt.Fprint(w, `{"vulns":[]}`)
	}))
	defer server.Close()

	a := New(testConfig(server.URL), zap.NewNop())
	targets := []schemas.PackageRef{
		ref("a", "1.0.0"), ref("b", "2.0.0"), ref("c", "3.0.0"), ref("d", "4.0.0"), ref("e", "5.0.0"),
	}
	ac := pipeline.NewAnalysisContext("run-fanout", inputFor(targets...))

	data, err := a.Analyze(context.Background(), ac)
	require.NoError(t, err)
	assert.Empty(t, data.Findings)
	assert.Equal(t, int32(len(targets)), queries.Load())
}

func TestAnalyzeServiceErrorIsRetryable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	a := New(testConfig(server.URL), zap.NewNop())
	ac := pipeline.NewAnalysisContext("run-503", inputFor(ref("left-pad", "1.3.0")))

	_, err := a.Analyze(context.Background(), ac)
	require.Error(t, err)
	assert.False(t, pipeline.IsConfiguration(err), "a flaky service is an execution failure")
}

func TestAnalyzeMissingEndpointIsConfiguration(t *testing.T) {
	t.Parallel()

	a := New(config.OSVConfig{Concurrency: 1}, zap.NewNop())
	ac := pipeline.NewAnalysisContext("run-noend", inputFor(ref("left-pad", "1.3.0")))

	_, err := a.Analyze(context.Background(), ac)
	require.Error(t, err)
	assert.True(t, pipeline.IsConfiguration(err))
}

func TestAnalyzeUnsupportedEcosystemIsConfiguration(t *testing.T) {
	t.Parallel()

	a := New(testConfig("http://localhost:1"), zap.NewNop())
	in := inputFor(ref("left-pad", "1.3.0"))
	in.Ecosystem = schemas.Ecosystem("homebrew")
	ac := pipeline.NewAnalysisContext("run-eco", in)

	_, err := a.Analyze(context.Background(), ac)
	require.Error(t, err)
	assert.True(t, pipeline.IsConfiguration(err))
}

func TestAnalyzeHonorsCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only detects the client going away once the request
		// body has been consumed, so drain it before waiting.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	a := New(testConfig(server.URL), zap.NewNop())
	ac := pipeline.NewAnalysisContext("run-cancel", inputFor(ref("left-pad", "1.3.0")))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := a.Analyze(ctx, ac)
	require.Error(t, err)
}
