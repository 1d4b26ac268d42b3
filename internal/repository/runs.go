package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

const runColumns = `run_id, feed, run_type, trace_id, expected_workers,
	watermark_before, watermark_after, started_at, completed_at,
	COALESCE(failure_reason, ''),
	consolidation_requested_at, consolidation_started_at, consolidation_completed_at,
	consolidation_processed, consolidation_errors, consolidation_total`

func scanRun(row pgx.Row) (*models.Run, error) {
	var run models.Run
	err := row.Scan(
		&run.RunID, &run.Feed, &run.RunType, &run.TraceID, &run.ExpectedWorkers,
		&run.WatermarkBefore, &run.WatermarkAfter, &run.StartedAt, &run.CompletedAt,
		&run.FailureReason,
		&run.ConsolidationRequestedAt, &run.ConsolidationStartedAt, &run.ConsolidationCompletedAt,
		&run.ConsolidationProcessed, &run.ConsolidationErrors, &run.ConsolidationTotal,
	)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest.run_metadata
			(run_id, feed, run_type, trace_id, expected_workers, watermark_before, watermark_after, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.RunID, run.Feed, run.RunType, run.TraceID, run.ExpectedWorkers,
		run.WatermarkBefore, run.WatermarkAfter, run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.RunID, err)
	}
	return nil
}

func (r *Repository) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM ingest.run_metadata WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, optionally filtered by feed.
func (r *Repository) ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM ingest.run_metadata`
	args := []any{}
	if feed != "" {
		query += ` WHERE feed = $1`
		args = append(args, feed)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ActiveRuns returns runs that have not reached a terminal state. The
// sweeper walks these looking for stalls and lost completions.
func (r *Repository) ActiveRuns(ctx context.Context) ([]models.Run, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+runColumns+` FROM ingest.run_metadata WHERE completed_at IS NULL ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// HasActiveRun reports whether the feed has a run still in flight.
func (r *Repository) HasActiveRun(ctx context.Context, feed string) (bool, error) {
	var active bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ingest.run_metadata WHERE feed = $1 AND completed_at IS NULL)`,
		feed).Scan(&active)
	if err != nil {
		return false, fmt.Errorf("failed to check active runs for %s: %w", feed, err)
	}
	return active, nil
}

// TallyPartitions derives completion counts for a run from partition
// progress rows. Counts are never stored on the run, so there is nothing
// to get out of sync.
func (r *Repository) TallyPartitions(ctx context.Context, runID string) (models.RunTallies, error) {
	var t models.RunTallies
	err := r.db.QueryRow(ctx, `
		SELECT r.expected_workers,
			COUNT(*) FILTER (WHERE p.completed),
			COUNT(*) FILTER (WHERE p.failed)
		FROM ingest.run_metadata r
		LEFT JOIN ingest.partition_progress p ON p.run_id = r.run_id
		WHERE r.run_id = $1
		GROUP BY r.expected_workers`, runID).
		Scan(&t.Expected, &t.Completed, &t.Failed)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RunTallies{}, nil
	}
	if err != nil {
		return models.RunTallies{}, fmt.Errorf("failed to tally partitions for run %s: %w", runID, err)
	}
	return t, nil
}

// LastProgressAt reports when any partition of the run last moved, falling
// back to the run start when no partition row has been touched yet.
func (r *Repository) LastProgressAt(ctx context.Context, runID string) (time.Time, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(p.updated_at), r.started_at)
		FROM ingest.run_metadata r
		LEFT JOIN ingest.partition_progress p ON p.run_id = r.run_id
		WHERE r.run_id = $1
		GROUP BY r.started_at`, runID).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last progress for run %s: %w", runID, err)
	}
	return ts, nil
}

// ClaimConsolidationRequest stamps consolidation_requested_at exactly once
// per run. Only the caller that wins the claim may enqueue the consolidate
// message, which keeps re-evaluations from duplicating it.
func (r *Repository) ClaimConsolidationRequest(ctx context.Context, runID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET consolidation_requested_at = now()
		WHERE run_id = $1 AND consolidation_requested_at IS NULL`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim consolidation request for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimConsolidationStart is the consolidator's dedupe gate: duplicate
// consolidate deliveries lose the claim and ack without touching data.
func (r *Repository) ClaimConsolidationStart(ctx context.Context, runID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET consolidation_started_at = now()
		WHERE run_id = $1
		  AND consolidation_started_at IS NULL
		  AND consolidation_completed_at IS NULL`, runID)
	if err != nil {
		return false, fmt.Errorf("failed to claim consolidation start for run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseConsolidationStart hands the claim back after a fatal
// consolidation error so a redelivered message can try again.
func (r *Repository) ReleaseConsolidationStart(ctx context.Context, runID string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET consolidation_started_at = NULL
		WHERE run_id = $1 AND consolidation_completed_at IS NULL`, runID)
	if err != nil {
		return fmt.Errorf("failed to release consolidation start for run %s: %w", runID, err)
	}
	return nil
}

// SetConsolidationCounters records batch progress while consolidation is
// still running, so /status can show movement on long runs.
func (r *Repository) SetConsolidationCounters(ctx context.Context, runID string, processed, errCount, total int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET consolidation_processed = $2, consolidation_errors = $3, consolidation_total = $4
		WHERE run_id = $1`, runID, processed, errCount, total)
	if err != nil {
		return fmt.Errorf("failed to update consolidation counters for run %s: %w", runID, err)
	}
	return nil
}

// FinishConsolidation stamps consolidation_completed_at and closes the run.
func (r *Repository) FinishConsolidation(ctx context.Context, runID string, processed, errCount, total int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET consolidation_completed_at = now(),
		    consolidation_processed = $2,
		    consolidation_errors = $3,
		    consolidation_total = $4,
		    completed_at = COALESCE(completed_at, now())
		WHERE run_id = $1`, runID, processed, errCount, total)
	if err != nil {
		return fmt.Errorf("failed to finish consolidation for run %s: %w", runID, err)
	}
	return nil
}

// FailRun closes the run with a failure reason. Returns true only for the
// caller that actually transitioned it, so notifications fire once.
func (r *Repository) FailRun(ctx context.Context, runID, reason string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET completed_at = now(), failure_reason = $2
		WHERE run_id = $1 AND completed_at IS NULL`, runID, truncateError(reason))
	if err != nil {
		return false, fmt.Errorf("failed to fail run %s: %w", runID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelRun closes the run and sweeps its open partitions and worker rows
// in one transaction. Workers discover the cancellation through the
// failed flag on their next page and stop feeding the chain.
func (r *Repository) CancelRun(ctx context.Context, runID, reason string) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	reason = truncateError("cancelled: " + reason)
	tag, err := tx.Exec(ctx, `
		UPDATE ingest.run_metadata
		SET completed_at = now(), failure_reason = $2
		WHERE run_id = $1 AND completed_at IS NULL`, runID, reason)
	if err != nil {
		return false, fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE ingest.partition_progress
		SET failed = true, updated_at = now()
		WHERE run_id = $1 AND completed = false AND failed = false`, runID); err != nil {
		return false, fmt.Errorf("failed to sweep partitions for run %s: %w", runID, err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE ingest.worker_runs
		SET status = $2, error_message = $3, completed_at = now()
		WHERE run_id = $1 AND status = $4`,
		runID, models.WorkerRunFailed, reason, models.WorkerRunRunning); err != nil {
		return false, fmt.Errorf("failed to sweep worker runs for run %s: %w", runID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit cancel for run %s: %w", runID, err)
	}
	return true, nil
}
