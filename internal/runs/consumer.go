package runs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shaunnez/diamond-opus-sub002/internal/bus"
	"github.com/shaunnez/diamond-opus-sub002/internal/logging"
	"github.com/shaunnez/diamond-opus-sub002/internal/models"
)

// WorkDoneConsumer drains the work_done queue and feeds each report to the
// coordinator. Failed evaluations abandon the message for redelivery, so
// a flaky database cannot swallow a terminal report.
type WorkDoneConsumer struct {
	coord *Coordinator
	queue bus.Bus
	poll  time.Duration
	log   zerolog.Logger
}

func NewWorkDoneConsumer(coord *Coordinator, queue bus.Bus, poll time.Duration) *WorkDoneConsumer {
	if poll <= 0 {
		poll = time.Second
	}
	return &WorkDoneConsumer{
		coord: coord,
		queue: queue,
		poll:  poll,
		log:   logging.Component("work_done_consumer"),
	}
}

// Start runs the consumer loop until ctx is cancelled.
func (c *WorkDoneConsumer) Start(ctx context.Context) {
	c.runLoop(ctx)
}

func (c *WorkDoneConsumer) runLoop(ctx context.Context) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	c.log.Info().Dur("poll", c.poll).Msg("work_done consumer started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("work_done consumer stopped")
			return
		case <-ticker.C:
			c.drain(ctx)
		}
	}
}

// drain processes everything currently visible before going back to sleep.
func (c *WorkDoneConsumer) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := c.queue.Receive(ctx, bus.QueueWorkDone)
		if err != nil {
			c.log.Error().Err(err).Msg("failed to receive work_done message")
			return
		}
		if msg == nil {
			return
		}
		c.handle(ctx, msg)
	}
}

func (c *WorkDoneConsumer) handle(ctx context.Context, msg *bus.Message) {
	var done models.WorkDone
	if err := msg.Decode(&done); err != nil {
		c.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("undecodable work_done message, dropping")
		c.complete(ctx, msg)
		return
	}

	if err := c.coord.HandleWorkDone(ctx, done); err != nil {
		c.log.Error().Err(err).
			Str("run_id", done.RunID).
			Str("partition_id", done.PartitionID).
			Msg("work_done evaluation failed, abandoning for redelivery")
		if abandonErr := c.queue.Abandon(ctx, msg); abandonErr != nil {
			c.log.Error().Err(abandonErr).Int64("msg_id", msg.ID).Msg("failed to abandon message")
		}
		return
	}
	c.complete(ctx, msg)
}

func (c *WorkDoneConsumer) complete(ctx context.Context, msg *bus.Message) {
	if err := c.queue.Complete(ctx, msg); err != nil {
		c.log.Error().Err(err).Int64("msg_id", msg.ID).Msg("failed to complete message")
	}
}
