// Package consolidate folds raw supplier rows into the public diamonds
// table. Exactly one consolidator executes per run: the claim is a
// conditional update on the run row, which is what lets the coordinator
// emit consolidate messages without exactly-once delivery.
package consolidate

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
)

const defaultBatchSize = 500

// Store is the slice of the repository the consolidator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	TallyPartitions(ctx context.Context, runID string) (models.RunTallies, error)
	ClaimConsolidationStart(ctx context.Context, runID string) (bool, error)
	ReleaseConsolidationStart(ctx context.Context, runID string) error
	SetConsolidationCounters(ctx context.Context, runID string, processed, errCount, total int64) error
	FinishConsolidation(ctx context.Context, runID string, processed, errCount, total int64) error
	FetchUnconsolidated(ctx context.Context, rawTable, feed string, limit int) ([]models.RawStone, error)
	CountUnconsolidated(ctx context.Context, rawTable, feed string) (int64, error)
	MarkRawConsolidated(ctx context.Context, rawTable, feed string, ids []string) error
	MarkRawError(ctx context.Context, rawTable, feed, id, reason string) error
	UpsertDiamonds(ctx context.Context, diamonds []models.Diamond) (int64, error)
}

// Consolidator consumes the consolidate queue.
type Consolidator struct {
	store    Store
	feeds    *feed.Registry
	queue    bus.Bus
	marks    watermark.Store
	notifier *notify.Notifier
	events   *eventbus.Bus
	batch    int
	poll     time.Duration
	log      zerolog.Logger
}

func New(store Store, feeds *feed.Registry, queue bus.Bus, marks watermark.Store, notifier *notify.Notifier, events *eventbus.Bus, cfg *config.Config) *Consolidator {
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Consolidator{
		store:    store,
		feeds:    feeds,
		queue:    queue,
		marks:    marks,
		notifier: notifier,
		events:   events,
		batch:    defaultBatchSize,
		poll:     poll,
		log:      logging.Component("consolidator"),
	}
}

// Start runs the consumer loop until ctx is cancelled.
func (c *Consolidator) Start(ctx context.Context) {
	c.runLoop(ctx)
}

func (c *Consolidator) runLoop(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	c.log.Info().Dur("poll", c.poll).Msg("consolidator started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consolidator stopped")
			return
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

func (c *Consolidator) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Receive(ctx, bus.QueueConsolidate)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to receive consolidate message")
			return
		}
		if msg == nil {
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *Consolidator) handle(ctx context.Context, msg *bus.Message) {
	var req models.ConsolidateRequest
	if err := msg.Decode(&req); err != nil {
		c.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("undecodable consolidate message, dropping")
		c.complete(ctx, msg)
		return
	}
	log := logging.WithRun(c.log, req.Feed, req.RunID, req.TraceID)

	run, err := c.store.GetRun(ctx, req.RunID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load run, abandoning")
		c.abandon(ctx, msg)
		return
	}
	if run == nil {
		log.Warn().Msg("consolidate message for unknown run, dropping")
		c.complete(ctx, msg)
		return
	}
	if run.ConsolidationCompletedAt != nil {
		log.Debug().Msg("run already consolidated, dropping")
		c.complete(ctx, msg)
		return
	}

	if !req.Force {
		// The non-forced message promises an untouched full success. If the
		// run drifted from that, only a forced request may proceed.
		t, err := c.store.TallyPartitions(ctx, req.RunID)
		if err != nil {
			log.Error().Err(err).Msg("failed to tally partitions, abandoning")
			c.abandon(ctx, msg)
			return
		}
		if t.Failed > 0 || t.Completed != t.Expected {
			log.Warn().
				Int("completed", t.Completed).
				Int("failed", t.Failed).
				Int("expected", t.Expected).
				Msg("run no longer fully successful, dropping non-forced consolidate")
			c.complete(ctx, msg)
			return
		}
	}

	won, err := c.store.ClaimConsolidationStart(ctx, req.RunID)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim consolidation, abandoning")
		c.abandon(ctx, msg)
		return
	}
	if !won {
		log.Debug().Msg("consolidation already claimed, dropping duplicate")
		c.complete(ctx, msg)
		return
	}

	if err := c.consolidate(ctx, log, run, req.Force); err != nil {
		log.Error().Err(err).Msg("consolidation failed, releasing claim for redelivery")
		if relErr := c.store.ReleaseConsolidationStart(ctx, req.RunID); relErr != nil {
			log.Error().Err(relErr).Msg("failed to release consolidation claim")
		}
		c.abandon(ctx, msg)
		return
	}
	c.complete(ctx, msg)
}

// consolidate drains every unconsolidated raw row for the feed through the
// adapter's Normalize and into app.diamonds, batch by batch. Raw rows that
// fail to normalize are marked with the error and counted; they never block
// the rest of the batch.
func (c *Consolidator) consolidate(ctx context.Context, log zerolog.Logger, run *models.Run, force bool) error {
	adapter, err := c.feeds.Get(run.Feed)
	if err != nil {
		return err
	}
	profile := adapter.Profile()

	total, err := c.store.CountUnconsolidated(ctx, profile.RawTable, run.Feed)
	if err != nil {
		return err
	}
	if err := c.store.SetConsolidationCounters(ctx, run.RunID, 0, 0, total); err != nil {
		return err
	}
	log.Info().Int64("total", total).Bool("force", force).Msg("consolidation started")

	var processed, errCount int64
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch, err := c.store.FetchUnconsolidated(ctx, profile.RawTable, run.Feed, c.batch)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		diamonds := make([]models.Diamond, 0, len(batch))
		ids := make([]string, 0, len(batch))
		for _, stone := range batch {
			d, err := adapter.Normalize(stone.Payload)
			if err != nil {
				errCount++
				if markErr := c.store.MarkRawError(ctx, profile.RawTable, run.Feed, stone.SupplierStoneID, err.Error()); markErr != nil {
					return markErr
				}
				continue
			}
			d.Feed = run.Feed
			d.SupplierStoneID = stone.SupplierStoneID
			if d.OfferID == "" {
				d.OfferID = stone.OfferID
			}
			if d.SourceUpdatedAt == nil {
				d.SourceUpdatedAt = stone.SourceUpdatedAt
			}
			d.RunID = run.RunID
			d.PriceAmount = d.FeedPrice * (1 + profile.MarkupPercent/100)
			d.Rating = rating(d)
			diamonds = append(diamonds, *d)
			ids = append(ids, stone.SupplierStoneID)
		}

		if len(diamonds) > 0 {
			if _, err := c.store.UpsertDiamonds(ctx, diamonds); err != nil {
				return err
			}
		}
		if len(ids) > 0 {
			if err := c.store.MarkRawConsolidated(ctx, profile.RawTable, run.Feed, ids); err != nil {
				return err
			}
		}
		processed += int64(len(ids))
		metrics.ConsolidatedRecords.WithLabelValues(run.Feed).Add(float64(len(ids)))
		if err := c.store.SetConsolidationCounters(ctx, run.RunID, processed, errCount, total); err != nil {
			return err
		}
	}

	if err := c.store.FinishConsolidation(ctx, run.RunID, processed, errCount, total); err != nil {
		return err
	}
	c.advanceWatermark(ctx, log, profile, run)

	c.events.Publish(eventbus.Event{
		Type:  eventbus.TypeRunConsolidated,
		Feed:  run.Feed,
		RunID: run.RunID,
		Data: map[string]any{
			"processed": processed,
			"errors":    errCount,
			"total":     total,
			"force":     force,
		},
	})
	c.notifier.RunConsolidated(ctx, run, processed, errCount, total)

	log.Info().
		Int64("processed", processed).
		Int64("errors", errCount).
		Int64("total", total).
		Msg("consolidation finished")
	return nil
}

// advanceWatermark moves the feed watermark to the run's frozen upper bound.
// Failures here are logged, not returned: the consolidation is already
// finished, and a stale watermark only widens the next incremental window.
func (c *Consolidator) advanceWatermark(ctx context.Context, log zerolog.Logger, profile feed.Profile, run *models.Run) {
	cur, ok, err := c.marks.Load(ctx, profile.WatermarkBlob)
	if err != nil {
		log.Error().Err(err).Msg("failed to load watermark, not advancing")
		return
	}
	if ok && !run.WatermarkAfter.After(cur.LastUpdatedAt) {
		log.Debug().
			Time("current", cur.LastUpdatedAt).
			Time("run_bound", run.WatermarkAfter).
			Msg("watermark already at or past run bound")
		return
	}
	if err := c.marks.Save(ctx, profile.WatermarkBlob, models.Watermark{
		LastUpdatedAt: run.WatermarkAfter,
		LastRunID:     run.RunID,
	}); err != nil {
		log.Error().Err(err).Msg("failed to save watermark")
		return
	}
	log.Info().Time("watermark", run.WatermarkAfter).Msg("watermark advanced")
}

// rating is a coarse quality score in [0, 5] from the normalized grades.
// The full rating rules live outside the pipeline; this keeps the column
// populated for consumers that sort by it.
func rating(d *models.Diamond) float64 {
	score := 2.5
	switch strings.ToLower(d.Cut) {
	case "ideal", "excellent":
		score++
	case "very good":
		score += 0.5
	}
	switch strings.ToUpper(d.Clarity) {
	case "FL", "IF", "VVS1", "VVS2":
		score++
	case "VS1", "VS2":
		score += 0.5
	}
	if d.CertificateNumber != "" {
		score += 0.5
	}
	if score > 5 {
		score = 5
	}
	return score
}

func (c *Consolidator) complete(ctx context.Context, msg *bus.Message) {
	if err := c.queue.Complete(ctx, msg); err != nil {
		c.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("failed to complete message")
	}
}

func (c *Consolidator) abandon(ctx context.Context, msg *bus.Message) {
	if err := c.queue.Abandon(ctx, msg); err != nil {
		c.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("failed to abandon message")
	}
}
