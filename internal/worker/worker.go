// Package worker runs the per-page state machine over the work_items queue.
// Each message is exactly one page of one price partition; the page upsert
// and the cursor advance commit in a single transaction, so redeliveries,
// concurrent duplicates, and crashed workers can never double-write a page
// or skip one.
package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/retry"
)

const (
	searchRetryAttempts = 4
	searchRetryBase     = 500 * time.Millisecond

	maxReasonRunes = 1000
)

// Store is the slice of the repository workers need.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	InitPartition(ctx context.Context, runID, partitionID string) (*models.PartitionProgress, error)
	UpsertPageAndAdvance(ctx context.Context, rawTable string, stones []models.RawStone, runID, partitionID string, expected, next int64) (bool, error)
	CompletePartition(ctx context.Context, runID, partitionID string, finalOffset int64) (bool, error)
	MarkPartitionFailed(ctx context.Context, runID, partitionID string) (bool, error)
	StartWorkerRun(ctx context.Context, wr *models.WorkerRun) error
	AddWorkerRunRecords(ctx context.Context, runID, partitionID string, n int64) error
	FinishWorkerRun(ctx context.Context, runID, partitionID, status, errMsg string) error
}

// Worker is one long-lived work_items consumer. A process usually runs
// several; they coordinate purely through the queue and the progress CAS.
type Worker struct {
	id     string
	feeds  *feed.Registry
	store  Store
	queue  bus.Bus
	events *eventbus.Bus
	poll   time.Duration
	log    zerolog.Logger
}

func New(n int, feeds *feed.Registry, store Store, queue bus.Bus, events *eventbus.Bus, cfg *config.Config) *Worker {
	id := workerID(n)
	poll := cfg.WorkerPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		id:     id,
		feeds:  feeds,
		store:  store,
		queue:  queue,
		events: events,
		poll:   poll,
		log:    logging.Component("worker").With().Str("worker_id", id).Logger(),
	}
}

func workerID(n int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), n)
}

// Start runs the poll loop until ctx is cancelled. An in-flight page is
// finished or abandoned before returning.
func (w *Worker) Start(ctx context.Context) {
	w.runLoop(ctx)
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.log.Info().Dur("poll", w.poll).Msg("worker started")
	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

// drain processes everything currently visible before going back to sleep.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.queue.Receive(ctx, bus.QueueWorkItems)
		if err != nil {
			w.log.Error().Err(err).Msg("failed to receive work item")
			return
		}
		if msg == nil {
			return
		}
		w.handle(ctx, msg)
	}
}

func (w *Worker) handle(ctx context.Context, msg *bus.Message) {
	var item models.WorkItem
	if err := msg.Decode(&item); err != nil {
		w.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("undecodable work item, dropping")
		w.complete(ctx, msg)
		return
	}
	log := logging.WithRun(w.log, item.Feed, item.RunID, item.TraceID).With().
		Str("partition_id", item.PartitionID).
		Int64("offset", item.Offset).
		Logger()

	run, err := w.store.GetRun(ctx, item.RunID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load run, abandoning")
		w.abandon(ctx, msg)
		return
	}
	if run == nil {
		log.Warn().Msg("work item for unknown run, dropping")
		w.complete(ctx, msg)
		return
	}
	if run.CompletedAt != nil || run.ConsolidationRequestedAt != nil {
		// Cancelled, failed, or already consolidating. Tallies are final;
		// late pages must not write.
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "run_closed").Inc()
		log.Debug().Msg("run already closed, dropping work item")
		w.complete(ctx, msg)
		return
	}

	progress, err := w.store.InitPartition(ctx, item.RunID, item.PartitionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to init partition progress, abandoning")
		w.abandon(ctx, msg)
		return
	}
	if progress.Completed {
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "partition_completed").Inc()
		log.Debug().Msg("partition already completed, dropping")
		w.complete(ctx, msg)
		return
	}
	if progress.Failed {
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "partition_failed").Inc()
		log.Debug().Msg("partition already failed, dropping")
		w.complete(ctx, msg)
		return
	}
	if item.Offset < progress.NextOffset {
		// Pre-crash redelivery: the page it names is committed, but the
		// continuation it should have spawned may have died with the
		// sender. Regenerate it at the committed cursor.
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "stale_offset").Inc()
		cont := item
		cont.Offset = progress.NextOffset
		if err := w.queue.Send(ctx, bus.QueueWorkItems, cont); err != nil {
			log.Error().Err(err).Msg("failed to re-enqueue continuation, abandoning")
			w.abandon(ctx, msg)
			return
		}
		log.Debug().Int64("next_offset", progress.NextOffset).Msg("stale page, continuation re-enqueued")
		w.complete(ctx, msg)
		return
	}
	if item.Offset > progress.NextOffset {
		// Should be unreachable: offsets only enter the queue at or behind
		// the committed cursor. Writing here could skip records.
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "offset_ahead").Inc()
		log.Error().Int64("next_offset", progress.NextOffset).Msg("work item ahead of committed cursor, dropping")
		w.complete(ctx, msg)
		return
	}

	if item.OffsetEnd != nil && item.Offset >= *item.OffsetEnd {
		w.finalize(ctx, msg, log, item, item.Offset)
		return
	}

	if err := w.store.StartWorkerRun(ctx, &models.WorkerRun{
		RunID:           item.RunID,
		PartitionID:     item.PartitionID,
		WorkerID:        w.id,
		Status:          models.WorkerRunRunning,
		WorkItemPayload: msg.Body,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record worker run, abandoning")
		w.abandon(ctx, msg)
		return
	}

	if err := w.processPage(ctx, log, msg, item); err != nil {
		w.failPartition(ctx, msg, log, item, progress.NextOffset, err)
	}
}

// processPage performs steps search through continuation for one page. Any
// returned error is a partition failure; nil means the message was settled.
func (w *Worker) processPage(ctx context.Context, log zerolog.Logger, msg *bus.Message, item models.WorkItem) error {
	adapter, err := w.feeds.Get(item.Feed)
	if err != nil {
		return err
	}
	profile := adapter.Profile()
	ctx = feed.WithTrace(ctx, item.TraceID)

	// Partition bounds are half-open; the supplier range filter is inclusive.
	q := adapter.BaseQuery(item.UpdatedFrom, item.UpdatedTo).
		WithPriceRange(item.MinPrice, item.MaxPrice-profile.PriceGranularity)

	var page *feed.SearchResult
	err = retry.Do(ctx, searchRetryAttempts, searchRetryBase, func(ctx context.Context) error {
		var serr error
		page, serr = adapter.Search(ctx, q, item.Offset, item.Limit)
		if serr != nil && !feed.IsTransient(serr) {
			return retry.Stop(serr)
		}
		return serr
	})
	if err != nil {
		return fmt.Errorf("search page at offset %d: %w", item.Offset, err)
	}

	if len(page.Items) == 0 {
		w.finalize(ctx, msg, log, item, item.Offset)
		return nil
	}

	stones := make([]models.RawStone, 0, len(page.Items))
	for i, raw := range page.Items {
		identity, err := adapter.Identity(raw)
		if err != nil {
			log.Warn().Err(err).Int("item_index", i).Msg("unidentifiable supplier item, skipping")
			continue
		}
		stones = append(stones, models.RawStone{
			Feed:            item.Feed,
			SupplierStoneID: identity.SupplierStoneID,
			OfferID:         identity.OfferID,
			Payload:         identity.Payload,
			SourceUpdatedAt: identity.SourceUpdatedAt,
			RunID:           item.RunID,
		})
	}

	next := item.Offset + int64(len(page.Items))
	advanced, err := w.store.UpsertPageAndAdvance(ctx, profile.RawTable, stones, item.RunID, item.PartitionID, item.Offset, next)
	if err != nil {
		return fmt.Errorf("commit page at offset %d: %w", item.Offset, err)
	}
	if !advanced {
		// Lost the CAS to a concurrent duplicate; the winner owns the
		// continuation.
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "offset_cas").Inc()
		log.Debug().Msg("page already committed by a concurrent delivery")
		w.complete(ctx, msg)
		return nil
	}

	if err := w.store.AddWorkerRunRecords(ctx, item.RunID, item.PartitionID, int64(len(stones))); err != nil {
		log.Error().Err(err).Msg("failed to add worker run records")
	}
	metrics.PagesProcessed.WithLabelValues(item.Feed).Inc()
	metrics.RecordsUpserted.WithLabelValues(item.Feed).Add(float64(len(stones)))
	w.events.Publish(eventbus.Event{
		Type:  eventbus.TypePartitionProgress,
		Feed:  item.Feed,
		RunID: item.RunID,
		Data: map[string]any{
			"partition_id": item.PartitionID,
			"next_offset":  next,
			"records":      len(stones),
		},
	})

	hasMore := len(page.Items) == item.Limit
	if page.TotalCount >= 0 && next >= page.TotalCount {
		hasMore = false
	}
	if item.OffsetEnd != nil && next >= *item.OffsetEnd {
		hasMore = false
	}
	if !hasMore {
		w.finalize(ctx, msg, log, item, next)
		return nil
	}

	cont := item
	cont.Offset = next
	if err := w.queue.Send(ctx, bus.QueueWorkItems, cont); err != nil {
		// The page is committed. Abandon so the redelivered message hits
		// the stale-offset guard and regenerates this continuation.
		log.Error().Err(err).Msg("failed to enqueue continuation, abandoning for regeneration")
		w.abandon(ctx, msg)
		return nil
	}
	w.complete(ctx, msg)
	return nil
}

// finalize completes the partition at finalOffset and, when this delivery
// won the completion, reports it on work_done.
func (w *Worker) finalize(ctx context.Context, msg *bus.Message, log zerolog.Logger, item models.WorkItem, finalOffset int64) {
	won, err := w.store.CompletePartition(ctx, item.RunID, item.PartitionID, finalOffset)
	if err != nil {
		log.Error().Err(err).Msg("failed to complete partition, abandoning")
		w.abandon(ctx, msg)
		return
	}
	if !won {
		metrics.IdempotentSkips.WithLabelValues(item.Feed, "already_finalized").Inc()
		w.complete(ctx, msg)
		return
	}

	if err := w.store.FinishWorkerRun(ctx, item.RunID, item.PartitionID, models.WorkerRunCompleted, ""); err != nil {
		log.Error().Err(err).Msg("failed to finish worker run")
	}
	metrics.PartitionsCompleted.WithLabelValues(item.Feed).Inc()

	if err := w.queue.Send(ctx, bus.QueueWorkDone, models.WorkDone{
		Feed:             item.Feed,
		RunID:            item.RunID,
		TraceID:          item.TraceID,
		PartitionID:      item.PartitionID,
		WorkerID:         w.id,
		Status:           models.WorkDoneSuccess,
		RecordsProcessed: finalOffset,
	}); err != nil {
		// The partition row is already completed; the sweeper re-evaluates
		// finished runs, so a lost report heals on its own.
		log.Error().Err(err).Msg("failed to send work_done report")
	}
	log.Info().Int64("final_offset", finalOffset).Msg("partition completed")
	w.complete(ctx, msg)
}

// failPartition records a terminal page failure. Only the first failure
// reports on work_done; the message is abandoned either way so that a
// retry-reset before redelivery replays from the committed cursor.
func (w *Worker) failPartition(ctx context.Context, msg *bus.Message, log zerolog.Logger, item models.WorkItem, committedOffset int64, cause error) {
	first, err := w.store.MarkPartitionFailed(ctx, item.RunID, item.PartitionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark partition failed, abandoning")
		w.abandon(ctx, msg)
		return
	}

	reason := clipReason(cause.Error())
	if err := w.store.FinishWorkerRun(ctx, item.RunID, item.PartitionID, models.WorkerRunFailed, reason); err != nil {
		log.Error().Err(err).Msg("failed to finish worker run")
	}
	if first {
		metrics.PartitionsFailed.WithLabelValues(item.Feed).Inc()
		if err := w.queue.Send(ctx, bus.QueueWorkDone, models.WorkDone{
			Feed:             item.Feed,
			RunID:            item.RunID,
			TraceID:          item.TraceID,
			PartitionID:      item.PartitionID,
			WorkerID:         w.id,
			Status:           models.WorkDoneFailed,
			RecordsProcessed: committedOffset,
			Error:            reason,
		}); err != nil {
			log.Error().Err(err).Msg("failed to send work_done report")
		}
		log.Error().Err(cause).Msg("partition failed")
	}
	w.abandon(ctx, msg)
}

func (w *Worker) complete(ctx context.Context, msg *bus.Message) {
	if err := w.queue.Complete(ctx, msg); err != nil {
		w.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("failed to complete message")
	}
}

func (w *Worker) abandon(ctx context.Context, msg *bus.Message) {
	if err := w.queue.Abandon(ctx, msg); err != nil {
		w.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("failed to abandon message")
	}
}

func clipReason(s string) string {
	r := []rune(s)
	if len(r) <= maxReasonRunes {
		return s
	}
	return string(r[:maxReasonRunes])
}
