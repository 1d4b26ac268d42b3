// Package notify pushes run lifecycle events to operator channels: a
// direct webhook URL (Slack, Discord, or generic JSON) and optionally
// Svix for fan-out to subscriber endpoints. Delivery is best effort and
// never blocks or fails the pipeline.
package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/metrics"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// Event types emitted by the pipeline.
const (
	EventRunStarted      = "run.started"
	EventPartialSuccess  = "run.partial_success"
	EventRunFailed       = "run.failed"
	EventRunConsolidated = "run.consolidated"
)

// Sender delivers one event payload to one backend.
type Sender interface {
	Send(ctx context.Context, eventType string, payload map[string]any) error
}

// Notifier fans events out to every configured sender.
type Notifier struct {
	senders []Sender
	log     zerolog.Logger
}

func New(senders ...Sender) *Notifier {
	active := make([]Sender, 0, len(senders))
	for _, s := range senders {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Notifier{senders: active, log: logging.Component("notify")}
}

// Enabled reports whether any sender is configured. Callers can skip
// building payloads when nobody is listening.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

func (n *Notifier) emit(ctx context.Context, eventType string, run *models.Run, data map[string]any) {
	if len(n.senders) == 0 {
		return
	}
	payload := map[string]any{
		"event":     eventType,
		"feed":      run.Feed,
		"run_id":    run.RunID,
		"trace_id":  run.TraceID,
		"run_type":  run.RunType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	for _, s := range n.senders {
		if err := s.Send(ctx, eventType, payload); err != nil {
			n.log.Warn().Err(err).
				Str("event", eventType).
				Str("run_id", run.RunID).
				Msg("notification delivery failed")
			continue
		}
		metrics.NotificationsSent.WithLabelValues(eventType).Inc()
	}
}

func (n *Notifier) RunStarted(ctx context.Context, run *models.Run, totalRecords int64) {
	n.emit(ctx, EventRunStarted, run, map[string]any{
		"expected_workers":  run.ExpectedWorkers,
		"estimated_records": totalRecords,
		"watermark_after":   run.WatermarkAfter.Format(time.RFC3339),
	})
}

func (n *Notifier) PartialSuccess(ctx context.Context, run *models.Run, tallies models.RunTallies) {
	n.emit(ctx, EventPartialSuccess, run, map[string]any{
		"expected":     tallies.Expected,
		"completed":    tallies.Completed,
		"failed":       tallies.Failed,
		"success_rate": tallies.SuccessRate(),
	})
}

func (n *Notifier) RunFailed(ctx context.Context, run *models.Run, reason string) {
	n.emit(ctx, EventRunFailed, run, map[string]any{
		"reason": reason,
	})
}

func (n *Notifier) RunConsolidated(ctx context.Context, run *models.Run, processed, errCount, total int64) {
	n.emit(ctx, EventRunConsolidated, run, map[string]any{
		"processed": processed,
		"errors":    errCount,
		"total":     total,
	})
}
