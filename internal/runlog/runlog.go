// Package runlog records allocation runs and their per-stage summaries
// in Postgres so finished runs can be audited without re-reading the
// parquet artifacts.
package runlog

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rateio/rateio-core/internal/rateio"
)

// Run statuses as stored in the ledger.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Ledger persists run lifecycle events and stage summaries.
type Ledger interface {
	BeginRun(ctx context.Context, runID, planName, source string) error
	RecordStage(ctx context.Context, runID string, report *rateio.StageReport, artifactURL string) error
	FinishRun(ctx context.Context, runID string, stages int, totalIn, totalOut float64, runErr error) error
	Close() error
}

// PostgresLedger implements Ledger backed by Postgres.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger connects to Postgres and ensures the ledger schema
// exists.
func NewPostgresLedger(ctx context.Context, dsn string) (*PostgresLedger, error) {
	if dsn == "" {
		return nil, fmt.Errorf("ledger DSN is required")
	}
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger ping: %w", err)
	}
	ledger := &PostgresLedger{db: db}
	if err := ledger.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return ledger, nil
}

func (l *PostgresLedger) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS rateio_runs (
  run_id      text PRIMARY KEY,
  plan_name   text NOT NULL DEFAULT '',
  source      text NOT NULL DEFAULT '',
  status      text NOT NULL,
  stages      integer NOT NULL DEFAULT 0,
  total_in    double precision NOT NULL DEFAULT 0,
  total_out   double precision NOT NULL DEFAULT 0,
  error       text NOT NULL DEFAULT '',
  started_at  timestamptz NOT NULL DEFAULT now(),
  finished_at timestamptz
);
CREATE TABLE IF NOT EXISTS rateio_run_stages (
  run_id           text NOT NULL,
  stage            integer NOT NULL,
  name             text NOT NULL DEFAULT '',
  criterion        text NOT NULL,
  rows_in          integer NOT NULL,
  rows_out         integer NOT NULL,
  allocated_rows   integer NOT NULL,
  passthrough_rows integer NOT NULL,
  zero_fill_rows   integer NOT NULL,
  units            integer NOT NULL,
  total_in_cents   bigint NOT NULL,
  total_out_cents  bigint NOT NULL,
  artifact_url     text NOT NULL DEFAULT '',
  recorded_at      timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (run_id, stage)
);
`
	_, err := l.db.Exec(ctx, ddl)
	return err
}

// BeginRun marks a run as started. Re-running under the same run ID
// resets the previous attempt.
func (l *PostgresLedger) BeginRun(ctx context.Context, runID, planName, source string) error {
	if runID == "" {
		return fmt.Errorf("run ID is required")
	}
	stmt := `INSERT INTO rateio_runs (run_id, plan_name, source, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id) DO UPDATE SET
  plan_name = EXCLUDED.plan_name,
  source = EXCLUDED.source,
  status = EXCLUDED.status,
  stages = 0,
  error = '',
  started_at = now(),
  finished_at = NULL;`
	_, err := l.db.Exec(ctx, stmt, runID, planName, source, StatusRunning)
	return err
}

// RecordStage upserts one stage summary for the run.
func (l *PostgresLedger) RecordStage(ctx context.Context, runID string, report *rateio.StageReport, artifactURL string) error {
	if report == nil {
		return fmt.Errorf("stage report is required")
	}
	columns := []string{
		"run_id", "stage", "name", "criterion", "rows_in", "rows_out",
		"allocated_rows", "passthrough_rows", "zero_fill_rows", "units",
		"total_in_cents", "total_out_cents", "artifact_url",
	}
	values := []any{
		runID, report.Stage, report.Name, report.Criterion, report.RowsIn, report.RowsOut,
		report.AllocatedRows, report.PassthroughRows, report.ZeroFillRows, report.Units,
		report.TotalInCents, report.TotalOutCents, artifactURL,
	}
	sets := []string{
		"name = EXCLUDED.name",
		"criterion = EXCLUDED.criterion",
		"rows_in = EXCLUDED.rows_in",
		"rows_out = EXCLUDED.rows_out",
		"allocated_rows = EXCLUDED.allocated_rows",
		"passthrough_rows = EXCLUDED.passthrough_rows",
		"zero_fill_rows = EXCLUDED.zero_fill_rows",
		"units = EXCLUDED.units",
		"total_in_cents = EXCLUDED.total_in_cents",
		"total_out_cents = EXCLUDED.total_out_cents",
		"artifact_url = EXCLUDED.artifact_url",
		"recorded_at = now()",
	}
	stmt := fmt.Sprintf(`INSERT INTO rateio_run_stages (%s)
VALUES (%s)
ON CONFLICT (run_id, stage) DO UPDATE SET %s;`,
		strings.Join(columns, ","),
		placeholders(len(columns)),
		strings.Join(sets, ","))
	_, err := l.db.Exec(ctx, stmt, values...)
	return err
}

// FinishRun closes out the run with its final status and totals.
func (l *PostgresLedger) FinishRun(ctx context.Context, runID string, stages int, totalIn, totalOut float64, runErr error) error {
	status := StatusSucceeded
	message := ""
	if runErr != nil {
		status = StatusFailed
		message = runErr.Error()
	}
	stmt := `UPDATE rateio_runs SET
  status = $2, stages = $3, total_in = $4, total_out = $5, error = $6, finished_at = now()
WHERE run_id = $1;`
	_, err := l.db.Exec(ctx, stmt, runID, status, stages, totalIn, totalOut, message)
	return err
}

// Close releases the connection pool.
func (l *PostgresLedger) Close() error {
	if l.db != nil {
		l.db.Close()
	}
	return nil
}

func placeholders(n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(parts, ",")
}

// NopLedger discards every event. Used when no ledger DSN is
// configured.
type NopLedger struct{}

func NewNop() *NopLedger { return &NopLedger{} }

func (NopLedger) BeginRun(context.Context, string, string, string) error { return nil }
func (NopLedger) RecordStage(context.Context, string, *rateio.StageReport, string) error {
	return nil
}
func (NopLedger) FinishRun(context.Context, string, int, float64, float64, error) error { return nil }
func (NopLedger) Close() error                                                          { return nil }
