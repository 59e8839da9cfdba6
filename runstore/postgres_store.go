package runstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/loandocs/cdwaterfall/waterfall"
)

// PostgresStore implements Store backed by PostgreSQL. audit_trail and
// validation_errors are insert-only; nothing in this store updates or
// deletes them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed run store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// SaveRun inserts the run header and its document results.
func (s *PostgresStore) SaveRun(ctx context.Context, run *waterfall.WaterfallRun) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO waterfall_runs (id, loan_id, status, message, loan_flags, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, run.ID, run.LoanID, string(run.Status), run.Message, int64(run.LoanFlags),
		run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, dr := range run.Documents {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO document_results (run_id, document_id, tag, path_type_code, flags, validation_passed)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (run_id, document_id) DO NOTHING
		`, run.ID, dr.DocumentID, string(dr.Tag), dr.PathTypeCode, int64(dr.Flags), dr.ValidationPassed)
		if err != nil {
			return fmt.Errorf("failed to insert document result: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// SaveAuditTrail inserts the run's audit entries in sequence order.
func (s *PostgresStore) SaveAuditTrail(ctx context.Context, runID string, entries []waterfall.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO audit_trail (id, run_id, rule_id, rule_name, sequence, document_id,
			                         outcome, result, decision, flags_before, flags_after, executed_at)
			VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10, $11, $12)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, runID, e.RuleID, e.RuleName, e.Sequence, e.DocumentID,
			string(e.Outcome), e.Result, e.Decision, int64(e.FlagsBefore), int64(e.FlagsAfter), e.At)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry %d: %w", e.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit trail: %w", err)
	}
	return nil
}

// SaveValidationErrors inserts the run's validation errors.
func (s *PostgresStore) SaveValidationErrors(ctx context.Context, runID string, errs []waterfall.ValidationError) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ve := range errs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO validation_errors (run_id, rule_id, rule_name, document_id, field_id,
			                               expected, actual, delta, message)
			VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
		`, runID, ve.RuleID, ve.RuleName, ve.DocumentID, ve.FieldID,
			ve.Expected, ve.Actual, ve.Delta, ve.Message)
		if err != nil {
			return fmt.Errorf("failed to insert validation error: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit validation errors: %w", err)
	}
	return nil
}

// GetRun returns a persisted run with document results and audit trail.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*waterfall.WaterfallRun, error) {
	var run waterfall.WaterfallRun
	var status string
	var flags int64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, loan_id, status, message, loan_flags, started_at, finished_at
		FROM waterfall_runs WHERE id = $1
	`, runID).Scan(&run.ID, &run.LoanID, &status, &run.Message, &flags,
		&run.StartedAt, &run.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = waterfall.RunStatus(status)
	run.LoanFlags = waterfall.Flags(flags)

	rows, err := s.db.QueryContext(ctx, `
		SELECT document_id, tag, path_type_code, flags, validation_passed
		FROM document_results WHERE run_id = $1
		ORDER BY document_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query document results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dr waterfall.DocumentResult
		var tag string
		var drFlags int64
		if err := rows.Scan(&dr.DocumentID, &tag, &dr.PathTypeCode, &drFlags, &dr.ValidationPassed); err != nil {
			return nil, fmt.Errorf("failed to scan document result: %w", err)
		}
		dr.Tag = waterfall.TagType(tag)
		dr.Flags = waterfall.Flags(drFlags)
		run.Documents = append(run.Documents, dr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating document results: %w", err)
	}

	trail, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, rule_name, sequence, COALESCE(document_id, ''),
		       outcome, result, decision, flags_before, flags_after, executed_at
		FROM audit_trail WHERE run_id = $1
		ORDER BY sequence ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %w", err)
	}
	defer trail.Close()
	for trail.Next() {
		var e waterfall.AuditEntry
		var outcome string
		var before, after int64
		if err := trail.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.Sequence, &e.DocumentID,
			&outcome, &e.Result, &e.Decision, &before, &after, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.RunID = runID
		e.Outcome = waterfall.Outcome(outcome)
		e.FlagsBefore = waterfall.Flags(before)
		e.FlagsAfter = waterfall.Flags(after)
		run.Audit = append(run.Audit, e)
	}
	if err := trail.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit trail: %w", err)
	}

	return &run, nil
}
