package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/docqa-indexer/internal/core/domain"
)

// RunJournal keeps one row per ingestion run with its latest stage and final report.
type RunJournal struct {
	db *sql.DB
}

func NewRunJournal(db *sql.DB) *RunJournal {
	return &RunJournal{db: db}
}

func (j *RunJournal) EnsureSchema(ctx context.Context) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026101901)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS ingestion_runs (
	run_id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	chunks_added INTEGER NOT NULL DEFAULT 0,
	store_size INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	report JSONB
);

CREATE INDEX IF NOT EXISTS idx_ingestion_runs_started_at ON ingestion_runs(started_at DESC);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (j *RunJournal) StartRun(ctx context.Context, report domain.IngestionReport) error {
	const query = `
INSERT INTO ingestion_runs (run_id, stage, started_at)
VALUES ($1, $2, $3)
ON CONFLICT (run_id) DO NOTHING
`
	if _, err := j.db.ExecContext(ctx, query, report.RunID, string(report.Stage), report.StartedAt); err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

func (j *RunJournal) RecordStage(ctx context.Context, runID string, stage domain.IngestStage) error {
	const query = `UPDATE ingestion_runs SET stage = $2 WHERE run_id = $1`
	res, err := j.db.ExecContext(ctx, query, runID, string(stage))
	if err != nil {
		return fmt.Errorf("update ingestion run stage: %w", err)
	}
	return requireRow(res, runID)
}

func (j *RunJournal) FinishRun(ctx context.Context, report domain.IngestionReport) error {
	raw, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	const query = `
UPDATE ingestion_runs
SET stage = $2,
	finished_at = $3,
	chunks_added = $4,
	store_size = $5,
	error_message = NULLIF($6, ''),
	report = $7::jsonb
WHERE run_id = $1
`
	res, err := j.db.ExecContext(ctx, query,
		report.RunID,
		string(report.Stage),
		report.StartedAt.Add(report.Duration),
		report.ChunksAdded,
		report.StoreSize,
		report.Error,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("finish ingestion run: %w", err)
	}
	return requireRow(res, report.RunID)
}

// RecentRuns returns the final reports of the latest finished runs, newest first.
func (j *RunJournal) RecentRuns(ctx context.Context, limit int) ([]domain.IngestionReport, error) {
	if limit <= 0 {
		limit = 20
	}
	const query = `
SELECT report
FROM ingestion_runs
WHERE report IS NOT NULL
ORDER BY started_at DESC
LIMIT $1
`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query ingestion runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.IngestionReport, 0, limit)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan ingestion run: %w", err)
		}
		var report domain.IngestionReport
		if err := json.Unmarshal(raw, &report); err != nil {
			return nil, fmt.Errorf("decode ingestion run: %w", err)
		}
		out = append(out, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion runs: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, runID string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrNotFound, "ingestion run "+runID, errors.New("no row updated"))
	}
	return nil
}
