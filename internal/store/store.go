package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/pkgsentry/pkgsentry/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store persists pipeline results to PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const sqlInsertRun = `
        INSERT INTO runs (run_id, created_at, ecosystem, degradation, elapsed_ms, targets, outcomes)
        VALUES ($1, $2, $3, $4, $5, $6, $7);
    `

// PersistResult writes one result envelope in a single transaction: the run
// row first, then the findings in bulk.
func (s *Store) PersistResult(ctx context.Context, envelope *schemas.ResultEnvelope) error {
	if envelope == nil || envelope.Result == nil {
		return fmt.Errorf("cannot persist an empty result envelope")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		// Rollback after a successful commit reports ErrTxClosed; that is
		// the expected path, not an error worth logging.
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	targets, err := json.Marshal(envelope.Targets)
	if err != nil {
		return fmt.Errorf("failed to marshal targets: %w", err)
	}
	outcomes, err := json.Marshal(envelope.Result.Outcomes)
	if err != nil {
		return fmt.Errorf("failed to marshal outcomes: %w", err)
	}

	if _, err := tx.Exec(ctx, sqlInsertRun,
		envelope.RunID,
		envelope.Timestamp.UTC(),
		string(envelope.Ecosystem),
		string(envelope.Result.Degradation),
		envelope.Result.Elapsed.Milliseconds(),
		targets,
		outcomes,
	); err != nil {
		return fmt.Errorf("failed to insert run row: %w", err)
	}

	if len(envelope.Result.Findings) > 0 {
		if err := s.persistFindings(ctx, tx, envelope.RunID, envelope.Result.Findings); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistFindings(ctx context.Context, tx pgx.Tx, runID string, findings []schemas.Finding) error {
	rows := make([][]interface{}, len(findings))
	for i, f := range findings {
		evidence, err := json.Marshal(f.Evidence)
		if err != nil {
			return fmt.Errorf("failed to marshal evidence for %s: %w", f.Package, err)
		}
		if len(f.Evidence) == 0 {
			evidence = []byte("[]")
		}

		rows[i] = []interface{}{
			f.ID, runID,
			f.Package, f.Version,
			string(f.Kind), string(f.Severity), f.Confidence,
			f.Title, f.Description,
			evidence,
			f.Remediation, string(f.Method), f.Stage,
			f.ObservedAt.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"findings"},
		[]string{"id", "run_id", "package", "version", "kind", "severity", "confidence", "title", "description", "evidence", "remediation", "detection_method", "stage", "observed_at"},
		pgx.CopyFromRows(rows),
	)

	if err != nil {
		return fmt.Errorf("failed to copy findings: %w", err)
	}
	if int(copyCount) != len(findings) {
		return fmt.Errorf("mismatch in copied findings count: expected %d, got %d", len(findings), copyCount)
	}

	return nil
}

// GetFindingsByRunID reads back the persisted findings for one run, worst
// severity first to mirror the synthesis ordering.
func (s *Store) GetFindingsByRunID(ctx context.Context, runID string) ([]schemas.Finding, error) {
	query := `
        SELECT id, package, version, kind, severity, confidence, title, description, evidence, remediation, detection_method, stage, observed_at
        FROM findings
        WHERE run_id = $1
        ORDER BY observed_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var findings []schemas.Finding
	for rows.Next() {
		var (
			f           schemas.Finding
			kindStr     string
			severityStr string
			methodStr   string
			evidence    []byte
		)

		err := rows.Scan(
			&f.ID, &f.Package, &f.Version,
			&kindStr, &severityStr, &f.Confidence,
			&f.Title, &f.Description,
			&evidence,
			&f.Remediation, &methodStr, &f.Stage,
			&f.ObservedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan finding row: %w", err)
		}

		if len(evidence) > 0 {
			if err := json.Unmarshal(evidence, &f.Evidence); err != nil {
				return nil, fmt.Errorf("failed to decode evidence for finding %s: %w", f.ID, err)
			}
		}

		f.Kind = schemas.FindingKind(kindStr)
		f.Severity = schemas.Severity(severityStr)
		f.Method = schemas.DetectionMethod(methodStr)
		f.RunID = runID
		findings = append(findings, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return findings, nil
}

// GetRunSummary reads back the run row for one run ID.
func (s *Store) GetRunSummary(ctx context.Context, runID string) (*schemas.ResultEnvelope, error) {
	query := `
        SELECT created_at, ecosystem, degradation, targets, outcomes
        FROM runs
        WHERE run_id = $1;
    `
	var (
		envelope    schemas.ResultEnvelope
		ecosystem   string
		degradation string
		targets     []byte
		outcomes    []byte
	)
	envelope.RunID = runID
	envelope.Result = &schemas.PipelineResult{RunID: runID}

	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&envelope.Timestamp, &ecosystem, &degradation, &targets, &outcomes,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("no run found with id %s", runID)
		}
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	envelope.Ecosystem = schemas.Ecosystem(ecosystem)
	envelope.Result.Degradation = schemas.Degradation(degradation)
	if err := json.Unmarshal(targets, &envelope.Targets); err != nil {
		return nil, fmt.Errorf("failed to decode run targets: %w", err)
	}
	if err := json.Unmarshal(outcomes, &envelope.Result.Outcomes); err != nil {
		return nil, fmt.Errorf("failed to decode run outcomes: %w", err)
	}

	findings, err := s.GetFindingsByRunID(ctx, runID)
	if err != nil {
		return nil, err
	}
	envelope.Result.Findings = findings

	return &envelope, nil
}
