package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Partition progress is the pipeline's source of truth for restartability.
// All writes are conditional UPDATEs: the WHERE clause encodes the expected
// prior state, and RowsAffected says whether this caller won. No SELECT FOR
// UPDATE, no advisory locks.

const progressColumns = `run_id, partition_id, next_offset, completed, failed, updated_at`

func scanProgress(row pgx.Row) (*models.PartitionProgress, error) {
	var p models.PartitionProgress
	err := row.Scan(&p.RunID, &p.PartitionID, &p.NextOffset, &p.Completed, &p.Failed, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// InitPartition creates the progress row at offset 0 if it does not exist
// and returns the current row either way. Duplicate initial work items are
// harmless because of the ON CONFLICT DO NOTHING.
func (r *Repository) InitPartition(ctx context.Context, runID, partitionID string) (*models.PartitionProgress, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO ingest.partition_progress (run_id, partition_id, next_offset, completed, failed, updated_at)
		VALUES ($1, $2, 0, false, false, now())
		ON CONFLICT (run_id, partition_id) DO NOTHING`, runID, partitionID)
	if err != nil {
		return nil, fmt.Errorf("failed to init partition %s/%s: %w", runID, partitionID, err)
	}
	return r.GetPartition(ctx, runID, partitionID)
}

func (r *Repository) GetPartition(ctx context.Context, runID, partitionID string) (*models.PartitionProgress, error) {
	p, err := scanProgress(r.db.QueryRow(ctx,
		`SELECT `+progressColumns+` FROM ingest.partition_progress WHERE run_id = $1 AND partition_id = $2`,
		runID, partitionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get partition %s/%s: %w", runID, partitionID, err)
	}
	return p, nil
}

func (r *Repository) ListPartitions(ctx context.Context, runID string) ([]models.PartitionProgress, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+progressColumns+` FROM ingest.partition_progress WHERE run_id = $1 ORDER BY partition_id`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []models.PartitionProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan partition: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

const advanceOffsetSQL = `
	UPDATE ingest.partition_progress
	SET next_offset = $4, updated_at = now()
	WHERE run_id = $1 AND partition_id = $2
	  AND next_offset = $3 AND $4 > next_offset
	  AND completed = false AND failed = false`

// AdvanceOffset moves next_offset forward only if it still holds the
// expected value. A false return means another delivery of the same page
// already advanced it, or the partition reached a terminal state.
func (r *Repository) AdvanceOffset(ctx context.Context, runID, partitionID string, expected, next int64) (bool, error) {
	tag, err := r.db.Exec(ctx, advanceOffsetSQL, runID, partitionID, expected, next)
	if err != nil {
		return false, fmt.Errorf("failed to advance partition %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpsertPageAndAdvance commits one page atomically: the offset CAS and the
// raw upserts share a transaction, so a page is either fully recorded and
// advanced or not at all. Losing the CAS rolls everything back, which is
// how duplicate deliveries become no-ops.
func (r *Repository) UpsertPageAndAdvance(ctx context.Context, rawTable string, stones []models.RawStone, runID, partitionID string, expected, next int64) (bool, error) {
	if err := checkTableName(rawTable); err != nil {
		return false, err
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin page tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, advanceOffsetSQL, runID, partitionID, expected, next)
	if err != nil {
		return false, fmt.Errorf("failed to advance partition %s/%s: %w", runID, partitionID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(stones) > 0 {
		batch := rawUpsertBatch(rawTable, stones)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return false, fmt.Errorf("failed to upsert page into %s: %w", rawTable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit page for %s/%s: %w", runID, partitionID, err)
	}
	return true, nil
}

// CompletePartition marks the partition done at its final offset. It is
// idempotent: repeating the call with the same offset still reports true,
// so a worker crash after commit does not strand the terminal message.
func (r *Repository) CompletePartition(ctx context.Context, runID, partitionID string, finalOffset int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.partition_progress
		SET completed = true, next_offset = $3, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2
		  AND failed = false AND next_offset <= $3
		  AND (completed = false OR next_offset = $3)`,
		runID, partitionID, finalOffset)
	if err != nil {
		return false, fmt.Errorf("failed to complete partition %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkPartitionFailed flips the failed flag. Only the first failure on the
// partition returns true; later errors on redelivered pages lose here and
// stay quiet, so a partition contributes one work_done report.
func (r *Repository) MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.partition_progress
		SET failed = true, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2
		  AND failed = false AND completed = false`,
		runID, partitionID)
	if err != nil {
		return false, fmt.Errorf("failed to mark partition %s/%s failed: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetPartitionForRetry clears the failed flag and keeps next_offset, so
// a re-enqueued work item resumes from the last committed page.
func (r *Repository) ResetPartitionForRetry(ctx context.Context, runID, partitionID string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE ingest.partition_progress
		SET failed = false, updated_at = now()
		WHERE run_id = $1 AND partition_id = $2 AND failed = true`,
		runID, partitionID)
	if err != nil {
		return false, fmt.Errorf("failed to reset partition %s/%s: %w", runID, partitionID, err)
	}
	return tag.RowsAffected() == 1, nil
}
