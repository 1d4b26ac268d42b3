package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Raw tables are per feed (raw.<feed>_stones) and share one shape: the
// supplier payload verbatim plus consolidation bookkeeping. The table name
// comes from feed config and is validated before interpolation.

func rawUpsertBatch(rawTable string, stones []models.RawStone) *pgx.Batch {
	query := fmt.Sprintf(`
		INSERT INTO %s
			(feed, supplier_stone_id, offer_id, payload, source_updated_at, run_id, consolidated, consolidation_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, NULL, now())
		ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
			offer_id = EXCLUDED.offer_id,
			payload = EXCLUDED.payload,
			source_updated_at = EXCLUDED.source_updated_at,
			run_id = EXCLUDED.run_id,
			consolidated = false,
			consolidation_status = NULL,
			updated_at = now()`, rawTable)

	batch := &pgx.Batch{}
	for _, s := range stones {
		batch.Queue(query, s.Feed, s.SupplierStoneID, nullIfEmpty(s.OfferID), s.Payload, s.SourceUpdatedAt, s.RunID)
	}
	return batch
}

// UpsertRawStones runs the raw upsert batch on its own, outside any page
// transaction. The worker path goes through UpsertPageAndAdvance instead.
func (r *Repository) UpsertRawStones(ctx context.Context, rawTable string, stones []models.RawStone) error {
	if err := checkTableName(rawTable); err != nil {
		return err
	}
	if len(stones) == 0 {
		return nil
	}
	if err := r.db.SendBatch(ctx, rawUpsertBatch(rawTable, stones)).Close(); err != nil {
		return fmt.Errorf("failed to upsert %d stones into %s: %w", len(stones), rawTable, err)
	}
	return nil
}

// FetchUnconsolidated returns the next batch of raw rows awaiting
// consolidation, ordered by supplier id for stable batching.
func (r *Repository) FetchUnconsolidated(ctx context.Context, rawTable, feed string, limit int) ([]models.RawStone, error) {
	if err := checkTableName(rawTable); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT feed, supplier_stone_id, COALESCE(offer_id, ''), payload, source_updated_at,
			run_id, consolidated, COALESCE(consolidation_status, ''), updated_at
		FROM %s
		WHERE feed = $1 AND consolidated = false
		ORDER BY supplier_stone_id
		LIMIT $2`, rawTable)

	rows, err := r.db.Query(ctx, query, feed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unconsolidated from %s: %w", rawTable, err)
	}
	defer rows.Close()

	var out []models.RawStone
	for rows.Next() {
		var s models.RawStone
		if err := rows.Scan(&s.Feed, &s.SupplierStoneID, &s.OfferID, &s.Payload, &s.SourceUpdatedAt,
			&s.RunID, &s.Consolidated, &s.ConsolidationStatus, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan raw stone: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *Repository) CountUnconsolidated(ctx context.Context, rawTable, feed string) (int64, error) {
	if err := checkTableName(rawTable); err != nil {
		return 0, err
	}
	var n int64
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE feed = $1 AND consolidated = false`, rawTable), feed).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unconsolidated in %s: %w", rawTable, err)
	}
	return n, nil
}

// MarkRawConsolidated flags a batch of supplier ids as done.
func (r *Repository) MarkRawConsolidated(ctx context.Context, rawTable, feed string, ids []string) error {
	if err := checkTableName(rawTable); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET consolidated = true, consolidation_status = 'ok', updated_at = now()
		WHERE feed = $1 AND supplier_stone_id = ANY($2)`, rawTable)
	if _, err := r.db.Exec(ctx, query, feed, ids); err != nil {
		return fmt.Errorf("failed to mark %d rows consolidated in %s: %w", len(ids), rawTable, err)
	}
	return nil
}

// MarkRawError flags a row whose payload could not be normalized. The row
// stays consolidated so the batch loop does not spin on it; the status
// carries the reason for operators.
func (r *Repository) MarkRawError(ctx context.Context, rawTable, feed, id, reason string) error {
	if err := checkTableName(rawTable); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET consolidated = true, consolidation_status = $3, updated_at = now()
		WHERE feed = $1 AND supplier_stone_id = $2`, rawTable)
	if _, err := r.db.Exec(ctx, query, feed, id, truncateError("error: "+reason)); err != nil {
		return fmt.Errorf("failed to mark row %s errored in %s: %w", id, rawTable, err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
