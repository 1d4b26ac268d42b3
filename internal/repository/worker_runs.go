package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// StartWorkerRun records the attempt handling a partition. One row exists
// per (run, partition); a fresh attempt after a failure resets the error
// and start time, while pages of the same attempt only refresh worker_id
// and the replay payload. records_processed survives either way because
// retries resume from the committed offset.
func (r *Repository) StartWorkerRun(ctx context.Context, wr *models.WorkerRun) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest.worker_runs
			(run_id, partition_id, worker_id, status, records_processed, work_item_payload, started_at)
		VALUES ($1, $2, $3, $4, 0, $5, now())
		ON CONFLICT (run_id, partition_id) DO UPDATE SET
			worker_id = EXCLUDED.worker_id,
			work_item_payload = EXCLUDED.work_item_payload,
			status = $4,
			completed_at = NULL,
			error_message = CASE WHEN ingest.worker_runs.status = $6 THEN NULL
				ELSE ingest.worker_runs.error_message END,
			started_at = CASE WHEN ingest.worker_runs.status = $6 THEN now()
				ELSE ingest.worker_runs.started_at END`,
		wr.RunID, wr.PartitionID, wr.WorkerID, models.WorkerRunRunning,
		wr.WorkItemPayload, models.WorkerRunFailed)
	if err != nil {
		return fmt.Errorf("failed to start worker run %s/%s: %w", wr.RunID, wr.PartitionID, err)
	}
	return nil
}

func (r *Repository) AddWorkerRunRecords(ctx context.Context, runID, partitionID string, n int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest.worker_runs
		SET records_processed = records_processed + $3
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, n)
	if err != nil {
		return fmt.Errorf("failed to add records to worker run %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (r *Repository) FinishWorkerRun(ctx context.Context, runID, partitionID, status, errMsg string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE ingest.worker_runs
		SET status = $3, error_message = NULLIF($4, ''), completed_at = now()
		WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID, status, truncateError(errMsg))
	if err != nil {
		return fmt.Errorf("failed to finish worker run %s/%s: %w", runID, partitionID, err)
	}
	return nil
}

func (r *Repository) GetWorkerRun(ctx context.Context, runID, partitionID string) (*models.WorkerRun, error) {
	var wr models.WorkerRun
	err := r.db.QueryRow(ctx, `
		SELECT id, run_id, partition_id, worker_id, status, records_processed,
			COALESCE(error_message, ''), work_item_payload, started_at, completed_at
		FROM ingest.worker_runs
		WHERE run_id = $1 AND partition_id = $2`, runID, partitionID).
		Scan(&wr.ID, &wr.RunID, &wr.PartitionID, &wr.WorkerID, &wr.Status,
			&wr.RecordsProcessed, &wr.ErrorMessage, &wr.WorkItemPayload,
			&wr.StartedAt, &wr.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker run %s/%s: %w", runID, partitionID, err)
	}
	return &wr, nil
}

func (r *Repository) ListWorkerRuns(ctx context.Context, runID string) ([]models.WorkerRun, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, run_id, partition_id, worker_id, status, records_processed,
			COALESCE(error_message, ''), work_item_payload, started_at, completed_at
		FROM ingest.worker_runs
		WHERE run_id = $1
		ORDER BY partition_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker runs for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []models.WorkerRun
	for rows.Next() {
		var wr models.WorkerRun
		if err := rows.Scan(&wr.ID, &wr.RunID, &wr.PartitionID, &wr.WorkerID, &wr.Status,
			&wr.RecordsProcessed, &wr.ErrorMessage, &wr.WorkItemPayload,
			&wr.StartedAt, &wr.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan worker run: %w", err)
		}
		out = append(out, wr)
	}
	return out, rows.Err()
}
