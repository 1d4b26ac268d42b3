package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

const diamondUpsertSQL = `
	INSERT INTO app.diamonds
		(feed, supplier_stone_id, offer_id, shape, carats, color, clarity, cut, lab,
		 certificate_number, status, feed_price, price_amount, rating,
		 source_updated_at, run_id, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now(), now())
	ON CONFLICT (feed, supplier_stone_id) DO UPDATE SET
		offer_id = EXCLUDED.offer_id,
		shape = EXCLUDED.shape,
		carats = EXCLUDED.carats,
		color = EXCLUDED.color,
		clarity = EXCLUDED.clarity,
		cut = EXCLUDED.cut,
		lab = EXCLUDED.lab,
		certificate_number = EXCLUDED.certificate_number,
		status = EXCLUDED.status,
		feed_price = EXCLUDED.feed_price,
		price_amount = EXCLUDED.price_amount,
		rating = EXCLUDED.rating,
		source_updated_at = EXCLUDED.source_updated_at,
		run_id = EXCLUDED.run_id,
		updated_at = now()
	WHERE app.diamonds.source_updated_at IS DISTINCT FROM EXCLUDED.source_updated_at
	   OR app.diamonds.feed_price IS DISTINCT FROM EXCLUDED.feed_price
	   OR app.diamonds.status IS DISTINCT FROM EXCLUDED.status`

// UpsertDiamonds writes normalized stones into app.diamonds. The conflict
// update carries a change predicate on (source_updated_at, feed_price,
// status): rows whose source did not move are left untouched, so
// updated_at keeps meaning "last real change" and re-consolidation of the
// same data produces zero writes.
func (r *Repository) UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) (int64, error) {
	if len(diamonds) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, d := range diamonds {
		batch.Queue(diamondUpsertSQL,
			d.Feed, d.SupplierStoneID, nullIfEmpty(d.OfferID), d.Shape, d.Carats,
			d.Color, d.Clarity, d.Cut, d.Lab, d.CertificateNumber, d.Status,
			d.FeedPrice, d.PriceAmount, d.Rating, d.SourceUpdatedAt, d.RunID)
	}

	br := r.db.SendBatch(ctx, batch)
	defer br.Close()

	var changed int64
	for range diamonds {
		tag, err := br.Exec()
		if err != nil {
			return changed, fmt.Errorf("failed to upsert diamonds: %w", err)
		}
		changed += tag.RowsAffected()
	}
	return changed, nil
}

func (r *Repository) GetDiamond(ctx context.Context, feed, supplierStoneID string) (*models.Diamond, error) {
	var d models.Diamond
	err := r.db.QueryRow(ctx, `
		SELECT feed, supplier_stone_id, COALESCE(offer_id, ''), shape, carats, color, clarity, cut, lab,
			certificate_number, status, feed_price, price_amount, rating,
			source_updated_at, run_id, created_at, updated_at
		FROM app.diamonds
		WHERE feed = $1 AND supplier_stone_id = $2`, feed, supplierStoneID).
		Scan(&d.Feed, &d.SupplierStoneID, &d.OfferID, &d.Shape, &d.Carats, &d.Color, &d.Clarity,
			&d.Cut, &d.Lab, &d.CertificateNumber, &d.Status, &d.FeedPrice, &d.PriceAmount,
			&d.Rating, &d.SourceUpdatedAt, &d.RunID, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get diamond %s/%s: %w", feed, supplierStoneID, err)
	}
	return &d, nil
}

func (r *Repository) CountDiamonds(ctx context.Context, feed string) (int64, error) {
	var n int64
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM app.diamonds WHERE feed = $1`, feed).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count diamonds for %s: %w", feed, err)
	}
	return n, nil
}
