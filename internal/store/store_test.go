package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func sampleEnvelope(runID string) *schemas.ResultEnvelope {
	finding := schemas.Finding{
		ID:         "GHSA-mh6f-8j2x-4483",
		Package:    "event-stream",
		Version:    "3.3.6",
		Kind:       schemas.KindKnownVulnerability,
		Severity:   schemas.SeverityCritical,
		Confidence: 1.0,
		Title:      "Malicious code in event-stream",
		Evidence: []schemas.Evidence{
			{Type: schemas.EvidenceAdvisoryID, Value: "GHSA-mh6f-8j2x-4483", Source: "osv"},
		},
		Method:     schemas.MethodAdvisoryLookup,
		Stage:      "vulnerability_analysis",
		ObservedAt: time.Now(),
	}
	return &schemas.ResultEnvelope{
		RunID:     runID,
		Timestamp: time.Now(),
		Ecosystem: schemas.EcosystemNPM,
		Targets:   []schemas.PackageRef{{Name: "event-stream", Version: "3.3.6", Ecosystem: schemas.EcosystemNPM}},
		Result: &schemas.PipelineResult{
			RunID: runID,
			Outcomes: []schemas.StageOutcome{
				{Stage: "vulnerability_analysis", Status: schemas.StageSucceeded, Required: true, Attempts: 1},
			},
			Degradation: schemas.DegradationFull,
			Findings:    []schemas.Finding{finding},
			Elapsed:     1200 * time.Millisecond,
		},
	}
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPersistResult(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist a full envelope in one transaction", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		runID := uuid.NewString()
		envelope := sampleEnvelope(runID)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(runID, pgxmock.AnyArg(), "npm", "full", int64(1200), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(
			[]string{"findings"},
			[]string{"id", "run_id", "package", "version", "kind", "severity", "confidence", "title", "description", "evidence", "remediation", "detection_method", "stage", "observed_at"},
		).WillReturnResult(1)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback() // deferred rollback on the closed tx

		require.NoError(t, s.PersistResult(ctx, envelope))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should roll back when the run insert fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		insertErr := errors.New("relation runs does not exist")
		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnError(insertErr)
		mockPool.ExpectRollback()

		err = s.PersistResult(ctx, sampleEnvelope(uuid.NewString()))
		require.Error(t, err)
		assert.ErrorIs(t, err, insertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject an empty envelope", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		require.Error(t, s.PersistResult(ctx, nil))
		require.Error(t, s.PersistResult(ctx, &schemas.ResultEnvelope{RunID: "x"}))
	})

	t.Run("should fail on copy count mismatch", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertRun)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectCopyFrom(
			[]string{"findings"},
			[]string{"id", "run_id", "package", "version", "kind", "severity", "confidence", "title", "description", "evidence", "remediation", "detection_method", "stage", "observed_at"},
		).WillReturnResult(0)
		mockPool.ExpectRollback()

		err = s.PersistResult(ctx, sampleEnvelope(uuid.NewString()))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestGetFindingsByRunID(t *testing.T) {
	ctx := context.Background()

	t.Run("should scan rows back into findings", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		runID := uuid.NewString()
		observed := time.Now().UTC()

		rows := pgxmock.NewRows([]string{
			"id", "package", "version", "kind", "severity", "confidence",
			"title", "description", "evidence", "remediation", "detection_method", "stage", "observed_at",
		}).AddRow(
			"GHSA-1", "event-stream", "3.3.6", "known_vulnerability", "critical", 1.0,
			"Malicious code", "details", []byte(`[{"type":"advisory_id","value":"GHSA-1","source":"osv"}]`),
			"upgrade", "advisory_lookup", "vulnerability_analysis", observed,
		)

		mockPool.ExpectQuery("SELECT id, package, version").
			WithArgs(runID).
			WillReturnRows(rows)

		findings, err := s.GetFindingsByRunID(ctx, runID)
		require.NoError(t, err)
		require.Len(t, findings, 1)

		f := findings[0]
		assert.Equal(t, runID, f.RunID)
		assert.Equal(t, schemas.KindKnownVulnerability, f.Kind)
		assert.Equal(t, schemas.SeverityCritical, f.Severity)
		assert.Equal(t, schemas.MethodAdvisoryLookup, f.Method)
		require.Len(t, f.Evidence, 1)
		assert.Equal(t, "GHSA-1", f.Evidence[0].Value)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should propagate query errors", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		mockPool.ExpectPing()
		s, err := New(ctx, mockPool, zap.NewNop())
		require.NoError(t, err)

		queryErr := errors.New("connection refused")
		mockPool.ExpectQuery("SELECT id, package, version").
			WithArgs("run-x").
			WillReturnError(queryErr)

		_, err = s.GetFindingsByRunID(ctx, "run-x")
		require.Error(t, err)
		assert.ErrorIs(t, err, queryErr)
	})
}

func TestGetRunSummary(t *testing.T) {
	ctx := context.Background()

	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mockPool.Close()

	mockPool.ExpectPing()
	s, err := New(ctx, mockPool, zap.NewNop())
	require.NoError(t, err)

	runID := uuid.NewString()
	created := time.Now().UTC()

	runRows := pgxmock.NewRows([]string{"created_at", "ecosystem", "degradation", "targets", "outcomes"}).
		AddRow(created, "npm", "partial",
			[]byte(`[{"name":"event-stream","version":"3.3.6","ecosystem":"npm"}]`),
			[]byte(`[{"stage":"vulnerability_analysis","status":"failed","required":true,"attempts":3,"fallback_used":true}]`),
		)
	mockPool.ExpectQuery("SELECT created_at, ecosystem, degradation").
		WithArgs(runID).
		WillReturnRows(runRows)

	findingRows := pgxmock.NewRows([]string{
		"id", "package", "version", "kind", "severity", "confidence",
		"title", "description", "evidence", "remediation", "detection_method", "stage", "observed_at",
	})
	mockPool.ExpectQuery("SELECT id, package, version").
		WithArgs(runID).
		WillReturnRows(findingRows)

	envelope, err := s.GetRunSummary(ctx, runID)
	require.NoError(t, err)

	assert.Equal(t, runID, envelope.RunID)
	assert.Equal(t, schemas.EcosystemNPM, envelope.Ecosystem)
	assert.Equal(t, schemas.DegradationPartial, envelope.Result.Degradation)
	require.Len(t, envelope.Targets, 1)
	require.Len(t, envelope.Result.Outcomes, 1)
	assert.True(t, envelope.Result.Outcomes[0].FallbackUsed)
	assert.Empty(t, envelope.Result.Findings)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
