package runs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Sweeper periodically re-evaluates every active run. It exists for the
// gap the queue cannot close by itself: if a work_done report is lost
// after its partition reached a terminal state, no message ever triggers
// the final evaluation. The sweeper also surfaces stalled runs on the
// stall gauge; it never cancels anything, that stays an operator call.
type Sweeper struct {
	coord *Coordinator
	store Store
	log   zerolog.Logger
}

func NewSweeper(coord *Coordinator, store Store) *Sweeper {
	return &Sweeper{
		coord: coord,
		store: store,
		log:   logging.Component("sweeper"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.runLoop(ctx, interval)
}

func (s *Sweeper) runLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", interval).Msg("run sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("run sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over all active runs.
func (s *Sweeper) Sweep(ctx context.Context) {
	active, err := s.store.ActiveRuns(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list active runs")
		return
	}

	now := time.Now().UTC()
	stalled := map[string]float64{}
	seen := map[string]bool{}
	for _, run := range active {
		seen[run.Feed] = true
		if err := s.coord.Evaluate(ctx, run.RunID); err != nil {
			s.log.Error().Err(err).Str("run_id", run.RunID).Msg("sweep evaluation failed")
			continue
		}

		t, err := s.store.TallyPartitions(ctx, run.RunID)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", run.RunID).Msg("sweep tally failed")
			continue
		}
		last, err := s.store.LastProgressAt(ctx, run.RunID)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", run.RunID).Msg("sweep progress read failed")
			continue
		}
		if DeriveState(&run, t, last, s.coord.stallAfter, now) == models.RunStateStalled {
			stalled[run.Feed]++
			rl := logging.WithRun(s.log, run.Feed, run.RunID, run.TraceID)
			rl.Warn().
				Time("last_progress", last).
				Msg("run appears stalled")
		}
	}
	for feed := range seen {
		metrics.RunsStalled.WithLabelValues(feed).Set(stalled[feed])
	}
}
