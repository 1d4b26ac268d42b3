// Package runs holds the run coordinator: the component that turns
// partition progress tallies into terminal run decisions, the work_done
// consumer that feeds it, and the sweeper that re-evaluates runs whose
// terminal report got lost.
package runs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/config"
	"github.com/shaunnez/diamond-opus-sub002/internal/eventbus"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
	"github.com/shaunnez/diamond-opus-sub002/internal/notify"
)

const cancelledPrefix = "cancelled: "

// Store is the slice of the repository the coordinator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ActiveRuns(ctx context.Context) ([]models.Run, error)
	TallyPartitions(ctx context.Context, runID string) (models.RunTallies, error)
	LastProgressAt(ctx context.Context, runID string) (time.Time, error)
	ListPartitions(ctx context.Context, runID string) ([]models.PartitionProgress, error)
	ClaimConsolidationRequest(ctx context.Context, runID string) (bool, error)
	FailRun(ctx context.Context, runID, reason string) (bool, error)
	CancelRun(ctx context.Context, runID, reason string) (bool, error)
}

// Coordinator decides what happens when a run's partitions finish. It is
// a pure function over derived tallies: nothing here maintains counters,
// so concurrent finalizations cannot skew the decision.
type Coordinator struct {
	store    Store
	queue    bus.Bus
	notifier *notify.Notifier
	events   *eventbus.Bus

	threshold  float64
	delay      time.Duration
	stallAfter time.Duration

	log zerolog.Logger
}

func New(store Store, queue bus.Bus, notifier *notify.Notifier, events *eventbus.Bus, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:      store,
		queue:      queue,
		notifier:   notifier,
		events:     events,
		threshold:  cfg.ConsolidationSuccessThreshold,
		delay:      cfg.ConsolidationDelay,
		stallAfter: cfg.RunStallThreshold,
		log:        logging.Component("coordinator"),
	}
}

// HandleWorkDone processes one terminal partition report and re-evaluates
// the run.
func (c *Coordinator) HandleWorkDone(ctx context.Context, done models.WorkDone) error {
	c.events.Publish(eventbus.Event{
		Type:  eventbus.TypePartitionDone,
		Feed:  done.Feed,
		RunID: done.RunID,
		Data: map[string]any{
			"partition_id":      done.PartitionID,
			"status":            done.Status,
			"records_processed": done.RecordsProcessed,
			"error":             done.Error,
		},
	})
	return c.Evaluate(ctx, done.RunID)
}

// Evaluate recomputes the run's tallies and, when every expected partition
// has reported, takes the terminal action:
//
//	failed == 0                      -> consolidate
//	success rate >= threshold        -> delayed force-consolidate + partial notice
//	otherwise                        -> run failed + notice
//
// The consolidate message is sent before the request claim is stamped, so
// a crash between the two re-sends on the next evaluation rather than
// stranding the run. Duplicate sends are absorbed by the consolidator's
// own start claim.
func (c *Coordinator) Evaluate(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		c.log.Warn().Str("run_id", runID).Msg("work done for unknown run")
		return nil
	}
	if run.CompletedAt != nil || run.ConsolidationRequestedAt != nil {
		return nil
	}

	t, err := c.store.TallyPartitions(ctx, runID)
	if err != nil {
		return err
	}
	if !t.Finished() {
		return nil
	}

	log := logging.WithRun(c.log, run.Feed, run.RunID, run.TraceID)
	switch {
	case t.Failed == 0:
		return c.requestConsolidation(ctx, run, t, false, 0, log)

	case t.SuccessRate() >= c.threshold && t.Completed > 0:
		return c.requestConsolidation(ctx, run, t, true, c.delay, log)

	default:
		reason := fmt.Sprintf("success rate %.2f below threshold %.2f (%d/%d completed, %d failed)",
			t.SuccessRate(), c.threshold, t.Completed, t.Expected, t.Failed)
		won, err := c.store.FailRun(ctx, runID, reason)
		if err != nil {
			return err
		}
		if !won {
			return nil
		}
		log.Error().
			Int("completed", t.Completed).
			Int("failed", t.Failed).
			Int("expected", t.Expected).
			Msg("run failed")
		metrics.RunOutcomes.WithLabelValues(run.Feed, "failed").Inc()
		c.publishFinished(run, models.RunStateFailed, t)
		c.notifier.RunFailed(ctx, run, reason)
		return nil
	}
}

func (c *Coordinator) requestConsolidation(ctx context.Context, run *models.Run, t models.RunTallies, force bool, delay time.Duration, log zerolog.Logger) error {
	req := models.ConsolidateRequest{
		Feed:    run.Feed,
		RunID:   run.RunID,
		TraceID: run.TraceID,
		Force:   force,
	}
	var opts []bus.SendOption
	if delay > 0 {
		opts = append(opts, bus.WithDelay(delay))
	}
	if err := c.queue.Send(ctx, bus.QueueConsolidate, req, opts...); err != nil {
		return fmt.Errorf("enqueue consolidate for %s: %w", run.RunID, err)
	}

	won, err := c.store.ClaimConsolidationRequest(ctx, run.RunID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if force {
		log.Warn().
			Int("completed", t.Completed).
			Int("failed", t.Failed).
			Int("expected", t.Expected).
			Dur("delay", delay).
			Msg("partial success, force-consolidation scheduled")
		metrics.RunOutcomes.WithLabelValues(run.Feed, "partial").Inc()
		c.notifier.PartialSuccess(ctx, run, t)
	} else {
		log.Info().
			Int("completed", t.Completed).
			Msg("all partitions completed, consolidation requested")
		metrics.RunOutcomes.WithLabelValues(run.Feed, "completed").Inc()
	}
	c.publishFinished(run, models.RunStateConsolidating, t)
	return nil
}

func (c *Coordinator) publishFinished(run *models.Run, state string, t models.RunTallies) {
	c.events.Publish(eventbus.Event{
		Type:  eventbus.TypeRunFinished,
		Feed:  run.Feed,
		RunID: run.RunID,
		Data: map[string]any{
			"state":     state,
			"expected":  t.Expected,
			"completed": t.Completed,
			"failed":    t.Failed,
		},
	})
}

// Cancel closes the run and sweeps its open partitions. Returns false when
// the run was already terminal.
func (c *Coordinator) Cancel(ctx context.Context, runID, reason string) (bool, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, fmt.Errorf("run %s not found", runID)
	}
	won, err := c.store.CancelRun(ctx, runID, reason)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	rl := logging.WithRun(c.log, run.Feed, run.RunID, run.TraceID)
	rl.Warn().Str("reason", reason).Msg("run cancelled")
	metrics.RunOutcomes.WithLabelValues(run.Feed, "cancelled").Inc()
	c.notifier.RunFailed(ctx, run, cancelledPrefix+reason)
	c.events.Publish(eventbus.Event{
		Type:  eventbus.TypeRunFinished,
		Feed:  run.Feed,
		RunID: run.RunID,
		Data:  map[string]any{"state": models.RunStateCancelled, "reason": reason},
	})
	return true, nil
}

// Status assembles the read model for one run.
func (c *Coordinator) Status(ctx context.Context, runID string, withPartitions bool) (*models.RunStatus, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, nil
	}
	t, err := c.store.TallyPartitions(ctx, runID)
	if err != nil {
		return nil, err
	}
	last, err := c.store.LastProgressAt(ctx, runID)
	if err != nil {
		return nil, err
	}

	st := &models.RunStatus{
		Run:        *run,
		State:      DeriveState(run, t, last, c.stallAfter, time.Now().UTC()),
		Tallies:    t,
		LastUpdate: last,
	}
	if withPartitions {
		if st.Partitions, err = c.store.ListPartitions(ctx, runID); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// DeriveState computes the presented run state. Nothing persists it; the
// same row can read as running now and stalled a minute later.
func DeriveState(run *models.Run, t models.RunTallies, lastProgress time.Time, stallAfter time.Duration, now time.Time) string {
	if run.CompletedAt != nil {
		switch {
		case strings.HasPrefix(run.FailureReason, cancelledPrefix):
			return models.RunStateCancelled
		case run.FailureReason != "":
			return models.RunStateFailed
		default:
			return models.RunStateCompleted
		}
	}
	if run.ConsolidationRequestedAt != nil || run.ConsolidationStartedAt != nil {
		return models.RunStateConsolidating
	}
	if t.Failed == 0 && !lastProgress.IsZero() && now.Sub(lastProgress) > stallAfter {
		return models.RunStateStalled
	}
	return models.RunStateRunning
}
