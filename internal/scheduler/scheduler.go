// Package scheduler plans ingestion runs: it resolves the time window from
// the feed watermark, scans price density, cuts partitions, persists the
// run record, and fans the initial work items out on the message bus.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/feed"
	"github.com/shaunnez/diamond-opus-sub002/internal/heatmap"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
	"github.com/shaunnez/diamond-opus-sub002/internal/watermark"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	CreateRun(ctx context.Context, run *models.Run) error
	FailRun(ctx context.Context, runID, reason string) (bool, error)
	HasActiveRun(ctx context.Context, feed string) (bool, error)
}

type Scheduler struct {
	feeds    *feed.Registry
	store    Store
	queue    bus.Bus
	marks    watermark.Store
	notifier *notify.Notifier
	events   *eventbus.Bus
	cfg      *config.Config
	log      zerolog.Logger
}

func New(feeds *feed.Registry, store Store, queue bus.Bus, marks watermark.Store, notifier *notify.Notifier, events *eventbus.Bus, cfg *config.Config) *Scheduler {
	return &Scheduler{
		feeds:    feeds,
		store:    store,
		queue:    queue,
		marks:    marks,
		notifier: notifier,
		events:   events,
		cfg:      cfg,
		log:      logging.Component("scheduler"),
	}
}

// ScheduleRun plans and launches one run for the feed. It returns nil, nil
// when the window holds no records, in which case nothing was created.
func (s *Scheduler) ScheduleRun(ctx context.Context, feedID, runType string) (*models.Run, error) {
	adapter, err := s.feeds.Get(feedID)
	if err != nil {
		return nil, err
	}
	profile := adapter.Profile()

	runID := uuid.New().String()
	traceID := uuid.New().String()
	log := logging.WithRun(s.log, feedID, runID, traceID)
	ctx = feed.WithTrace(ctx, traceID)

	// The window is frozen now; workers and consolidation reuse it verbatim
	// so the watermark can only advance to a bound that was fully covered.
	windowEnd := time.Now().UTC()
	windowStart, wmBefore, err := s.resolveWindowStart(ctx, profile, runType)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("run_type", runType).
		Time("updated_from", windowStart).
		Time("updated_to", windowEnd).
		Msg("planning run")

	base := adapter.BaseQuery(windowStart, windowEnd)
	result, err := heatmap.Scan(ctx, adapter, base, s.buildScanConfig(profile))
	if err != nil {
		return nil, fmt.Errorf("density scan for %s: %w", feedID, err)
	}
	if result.TotalRecords == 0 {
		log.Info().Msg("window holds no records, skipping run")
		return nil, nil
	}

	run := &models.Run{
		RunID:           runID,
		Feed:            feedID,
		RunType:         runType,
		TraceID:         traceID,
		ExpectedWorkers: result.WorkerCount,
		WatermarkBefore: wmBefore,
		WatermarkAfter:  windowEnd,
		StartedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	items := make([]any, 0, len(result.Partitions))
	for _, p := range result.Partitions {
		items = append(items, models.WorkItem{
			Feed:             feedID,
			RunID:            runID,
			TraceID:          traceID,
			PartitionID:      p.ID,
			MinPrice:         p.MinPrice,
			MaxPrice:         p.MaxPrice,
			EstimatedRecords: p.TotalRecords,
			Offset:           0,
			Limit:            profile.WorkerPageSize,
			UpdatedFrom:      windowStart,
			UpdatedTo:        windowEnd,
		})
	}
	if err := s.queue.SendBatch(ctx, bus.QueueWorkItems, items); err != nil {
		// The run row exists but no worker will ever touch it; close it out
		// so it does not sit in /status as running forever.
		reason := fmt.Sprintf("failed to enqueue work items: %v", err)
		if _, failErr := s.store.FailRun(ctx, runID, reason); failErr != nil {
			log.Error().Err(failErr).Msg("failed to mark unlaunched run failed")
		}
		return nil, fmt.Errorf("enqueue work items for %s: %w", runID, err)
	}

	metrics.RunsScheduled.WithLabelValues(feedID, runType).Inc()
	s.events.Publish(eventbus.Event{
		Type:  eventbus.TypeRunCreated,
		Feed:  feedID,
		RunID: runID,
		Data: map[string]any{
			"run_type":          runType,
			"expected_workers":  result.WorkerCount,
			"estimated_records": result.TotalRecords,
		},
	})
	s.notifier.RunStarted(ctx, run, result.TotalRecords)

	log.Info().
		Int("partitions", result.WorkerCount).
		Int64("estimated_records", result.TotalRecords).
		Int64("scan_api_calls", result.Stats.APICalls).
		Msg("run launched")
	return run, nil
}

// resolveWindowStart picks updated_from. Full runs always cover from the
// configured start date. Incremental runs resume from the stored watermark
// minus the safety buffer; with no watermark they cover the full window.
func (s *Scheduler) resolveWindowStart(ctx context.Context, profile feed.Profile, runType string) (time.Time, *time.Time, error) {
	wm, ok, err := s.marks.Load(ctx, profile.WatermarkBlob)
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("load watermark %s: %w", profile.WatermarkBlob, err)
	}

	var wmBefore *time.Time
	if ok {
		t := wm.LastUpdatedAt
		wmBefore = &t
	}

	if runType == models.RunTypeFull {
		return s.cfg.FullRunStartDate, wmBefore, nil
	}
	if !ok {
		s.log.Warn().
			Str("blob", profile.WatermarkBlob).
			Msg("no watermark found, incremental run covers the full window")
		return s.cfg.FullRunStartDate, nil, nil
	}
	return wm.LastUpdatedAt.Add(-s.cfg.SafetyBuffer), wmBefore, nil
}

// buildScanConfig merges the global heatmap defaults with per-feed
// overrides from the feeds file.
func (s *Scheduler) buildScanConfig(profile feed.Profile) heatmap.Config {
	h := profile.Heatmap
	cfg := heatmap.Config{
		MinPrice:            s.cfg.HeatmapMinPrice,
		MaxPrice:            s.cfg.HeatmapMaxPrice,
		DenseZoneThreshold:  h.DenseZoneThreshold,
		DenseZoneStep:       h.DenseZoneStep,
		InitialStep:         h.InitialStep,
		TargetPerChunk:      s.cfg.HeatmapTargetPerChunk,
		Concurrency:         s.cfg.HeatmapConcurrency,
		UseTwoPass:          h.UseTwoPass,
		CoarseStep:          h.CoarseStep,
		MaxWorkers:          s.cfg.HeatmapMaxWorkers,
		MinRecordsPerWorker: s.cfg.HeatmapMinRecordsPerWorker,
		PriceGranularity:    profile.PriceGranularity,
	}
	if h.MinPrice != nil {
		cfg.MinPrice = *h.MinPrice
	}
	if h.MaxPrice != nil {
		cfg.MaxPrice = *h.MaxPrice
	}
	if h.TargetPerChunk != nil {
		cfg.TargetPerChunk = *h.TargetPerChunk
	}
	if h.Concurrency != nil {
		cfg.Concurrency = *h.Concurrency
	}
	return cfg
}

// Loop schedules incremental runs for every registered feed on a fixed
// interval, skipping feeds that still have a run in flight.
func (s *Scheduler) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("scheduler loop started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler loop stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	for _, feedID := range s.feeds.IDs() {
		active, err := s.store.HasActiveRun(ctx, feedID)
		if err != nil {
			s.log.Error().Err(err).Str("feed", feedID).Msg("failed to check active runs")
			continue
		}
		if active {
			s.log.Debug().Str("feed", feedID).Msg("run already in flight, skipping")
			continue
		}
		if _, err := s.ScheduleRun(ctx, feedID, models.RunTypeIncremental); err != nil {
			s.log.Error().Err(err).Str("feed", feedID).Msg("scheduled run failed")
		}
	}
}
